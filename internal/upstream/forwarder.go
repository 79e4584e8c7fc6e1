// Package upstream replays captured requests against the configured target API.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single forward when none is configured.
const DefaultTimeout = 30 * time.Second

var (
	ErrTimeout     = errors.New("upstream: request timed out")
	ErrUnavailable = errors.New("upstream: target unavailable")
	ErrConfig      = errors.New("upstream: not configured")
)

// Kind classifies a forwarding failure.
type Kind int

const (
	KindNetwork Kind = iota
	KindTimeout
	KindConfig
)

// Error wraps the transport error with its classification. errors.Is matches
// it against ErrTimeout, ErrUnavailable or ErrConfig.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrUnavailable:
		return e.Kind == KindNetwork
	case ErrConfig:
		return e.Kind == KindConfig
	}
	return false
}

// Request is an immutable snapshot of an inbound request. Path is the
// escaped remainder after the proxy prefix.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response is the buffered upstream reply.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Config configures a Forwarder.
type Config struct {
	BaseURL    string
	APIKey     string
	AuthHeader string
	AuthScheme string
	Timeout    time.Duration
	// StripHeaders are removed in addition to the fixed exclusion set,
	// typically the inbound API-key header.
	StripHeaders []string
	Client       *http.Client
}

// Forwarder sends snapshots to the upstream API.
type Forwarder struct {
	baseURL    string
	apiKey     string
	authHeader string
	authScheme string
	timeout    time.Duration
	client     *http.Client
	excluded   map[string]struct{}
}

var fixedExclusions = []string{
	"Host", "Content-Length", "Content-Type",
	"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade", "Te", "Trailer",
}

// NewForwarder builds a forwarder from cfg, filling defaults.
func NewForwarder(cfg Config) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(cfg.AuthHeader) == "" {
		cfg.AuthHeader = "Authorization"
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	excluded := make(map[string]struct{}, len(fixedExclusions)+len(cfg.StripHeaders))
	for _, h := range append(fixedExclusions, cfg.StripHeaders...) {
		if h = strings.TrimSpace(h); h != "" {
			excluded[http.CanonicalHeaderKey(h)] = struct{}{}
		}
	}
	return &Forwarder{
		baseURL:    strings.TrimSpace(cfg.BaseURL),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		authHeader: http.CanonicalHeaderKey(strings.TrimSpace(cfg.AuthHeader)),
		authScheme: strings.TrimSpace(cfg.AuthScheme),
		timeout:    cfg.Timeout,
		client:     cfg.Client,
		excluded:   excluded,
	}
}

// BaseURL returns the configured target.
func (f *Forwarder) BaseURL() string { return f.baseURL }

// TargetURL joins the base URL and path with exactly one slash and appends
// the raw query unchanged.
func TargetURL(base, path, rawQuery string) string {
	target := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// Forward replays req upstream. The call is detached from the caller's
// cancellation: once a request is paid for it runs until the upstream
// answers or the timeout fires.
func (f *Forwarder) Forward(ctx context.Context, req Request) (Response, error) {
	if f.baseURL == "" {
		return Response{}, &Error{Kind: KindConfig, Err: fmt.Errorf("%w: base url is empty", ErrConfig)}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, TargetURL(f.baseURL, req.Path, req.RawQuery), body)
	if err != nil {
		return Response{}, &Error{Kind: KindConfig, Err: fmt.Errorf("build upstream request: %w", err)}
	}
	f.copyHeaders(out.Header, req.Header)
	if len(req.Body) > 0 {
		contentType := req.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/json"
		}
		out.Header.Set("Content-Type", contentType)
	}
	if f.apiKey != "" {
		value := f.apiKey
		if f.authScheme != "" {
			value = f.authScheme + " " + f.apiKey
		}
		out.Header.Set(f.authHeader, value)
	}

	resp, err := f.client.Do(out)
	if err != nil {
		return Response{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, classify(ctx, err)
	}
	return Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        payload,
	}, nil
}

func (f *Forwarder) copyHeaders(dst, src http.Header) {
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if _, skip := f.excluded[canonical]; skip {
			continue
		}
		for _, v := range values {
			if v == "" {
				continue
			}
			dst.Add(canonical, v)
		}
	}
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return &Error{Kind: KindNetwork, Err: err}
}
