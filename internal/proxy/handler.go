// Package proxy implements the metered forwarding endpoint: identify the
// caller, charge one request, replay it upstream and record the exchange.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tokligence/credit-gateway/internal/audit"
	"github.com/tokligence/credit-gateway/internal/credit"
	"github.com/tokligence/credit-gateway/internal/upstream"
)

// DefaultMaxBody caps buffered request bodies.
const DefaultMaxBody int64 = 10 << 20

const (
	HeaderRequestID = "X-Request-ID"
	HeaderRemaining = "X-Credit-Remaining"
	HeaderCost      = "X-Credit-Cost"
)

// Gate decides admission and debits.
type Gate interface {
	Authorize(ctx context.Context, apiKey string) (credit.Decision, error)
}

// Forwarder replays a snapshot upstream.
type Forwarder interface {
	Forward(ctx context.Context, req upstream.Request) (upstream.Response, error)
}

// Recorder persists audit records; it never fails the request.
type Recorder interface {
	Record(ctx context.Context, rec audit.Record)
}

// Observer receives per-request measurements. All methods must be safe for
// concurrent use.
type Observer interface {
	RequestStarted()
	RequestFinished(outcome string, status int, d time.Duration)
	Debited(cost decimal.Decimal)
	UpstreamObserved(d time.Duration, failed bool)
}

// Config tunes the handler.
type Config struct {
	Prefix       string
	APIKeyHeader string
	MaxBodyBytes int64
	Logger       *log.Logger
	Debug        bool
	Observer     Observer
}

// Handler is the proxy endpoint.
type Handler struct {
	gate      Gate
	forwarder Forwarder
	recorder  Recorder
	prefix    string
	keyHeader string
	maxBody   int64
	logger    *log.Logger
	debug     bool
	observer  Observer
}

// New wires the handler. Collaborators are required; Config fields default.
func New(gate Gate, forwarder Forwarder, recorder Recorder, cfg Config) *Handler {
	if cfg.Prefix == "" {
		cfg.Prefix = "/api/proxy"
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBody
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[proxy] ", log.LstdFlags|log.Lmicroseconds)
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Handler{
		gate:      gate,
		forwarder: forwarder,
		recorder:  recorder,
		prefix:    "/" + strings.Trim(cfg.Prefix, "/"),
		keyHeader: cfg.APIKeyHeader,
		maxBody:   cfg.MaxBodyBytes,
		logger:    cfg.Logger,
		debug:     cfg.Debug,
		observer:  cfg.Observer,
	}
}

// Prefix returns the normalized mount path.
func (h *Handler) Prefix() string { return h.prefix }

// result is a terminal state of the pipeline, ready to be logged and written.
type result struct {
	outcome     string
	status      int
	contentType string
	body        []byte
	accountID   int64
	decision    credit.Decision
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.observer.RequestStarted()

	requestID := middleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, requestID)

	apiKey := strings.TrimSpace(r.Header.Get(h.keyHeader))
	if apiKey == "" {
		h.finish(w, start, errorResult("no_key", http.StatusUnauthorized, map[string]any{"error": "API key required"}))
		return
	}

	snap, err := h.capture(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.finish(w, start, errorResult("too_large", http.StatusRequestEntityTooLarge, map[string]any{"error": "Request body too large"}))
			return
		}
		h.finish(w, start, errorResult("bad_request", http.StatusBadRequest, map[string]any{"error": "Invalid request body"}))
		return
	}

	res := h.run(r.Context(), apiKey, snap)
	if res.accountID != 0 {
		h.recorder.Record(r.Context(), audit.Record{
			RequestID:    requestID,
			AccountID:    res.accountID,
			Endpoint:     r.URL.Path,
			Method:       r.Method,
			RequestBody:  string(snap.Body),
			ResponseCode: res.status,
			ResponseBody: string(res.body),
			DurationMs:   time.Since(start).Milliseconds(),
			IP:           ClientIP(r),
			UserAgent:    r.UserAgent(),
			CreatedAt:    start.UTC(),
		})
	}
	if res.decision.Admitted() {
		w.Header().Set(HeaderRemaining, res.decision.Remaining.String())
		w.Header().Set(HeaderCost, res.decision.Cost.String())
	}
	h.debugf("%s %s request=%s account=%d outcome=%s status=%d", r.Method, r.URL.Path, requestID, res.accountID, res.outcome, res.status)
	h.finish(w, start, res)
}

// capture reads the body once and freezes the parts of the request the
// pipeline needs.
func (h *Handler) capture(w http.ResponseWriter, r *http.Request) (upstream.Request, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
		if err != nil {
			return upstream.Request{}, err
		}
	}
	return upstream.Request{
		Method:   r.Method,
		Path:     strings.TrimPrefix(r.URL.EscapedPath(), h.prefix),
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	}, nil
}

// run drives AUTHORIZE and FORWARD. Panics become internal faults attributed
// to whichever account was resolved before the panic.
func (h *Handler) run(ctx context.Context, apiKey string, snap upstream.Request) (res result) {
	var decision credit.Decision
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Printf("panic in proxy pipeline account=%d: %v", decision.AccountID, rec)
			res = internalResult(decision.AccountID, fmt.Errorf("panic: %v", rec))
		}
	}()

	decision, err := h.gate.Authorize(ctx, apiKey)
	if err != nil {
		h.logger.Printf("authorize failed account=%d: %v", decision.AccountID, err)
		return internalResult(decision.AccountID, err)
	}

	switch decision.Outcome {
	case credit.OutcomeUnknownKey, credit.OutcomeInactive:
		return errorResult("invalid_key", http.StatusUnauthorized, map[string]any{"error": "Invalid API key"})
	case credit.OutcomeInsufficient:
		res = errorResult("insufficient", http.StatusTooManyRequests, map[string]any{
			"error":     "Insufficient credits",
			"remaining": json.Number(decision.Remaining.String()),
		})
		res.accountID = decision.AccountID
		return res
	case credit.OutcomeAdmitted:
	default:
		return internalResult(decision.AccountID, fmt.Errorf("unexpected outcome %s", decision.Outcome))
	}
	if decision.Cost.IsPositive() {
		h.observer.Debited(decision.Cost)
	}

	began := time.Now()
	resp, err := h.forwarder.Forward(ctx, snap)
	h.observer.UpstreamObserved(time.Since(began), err != nil)

	switch {
	case err == nil:
		contentType := resp.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		res = result{outcome: "forwarded", status: resp.StatusCode, contentType: contentType, body: resp.Body}
	case errors.Is(err, upstream.ErrTimeout):
		h.logger.Printf("upstream timeout account=%d %s %s", decision.AccountID, snap.Method, snap.Path)
		res = errorResult("upstream_timeout", http.StatusRequestTimeout, map[string]any{"error": "Request timeout"})
	case errors.Is(err, upstream.ErrUnavailable):
		h.logger.Printf("upstream error account=%d %s %s: %v", decision.AccountID, snap.Method, snap.Path, err)
		res = errorResult("upstream_error", http.StatusBadGateway, map[string]any{
			"error":   "Target API unavailable",
			"details": err.Error(),
		})
	default:
		h.logger.Printf("forward failed account=%d: %v", decision.AccountID, err)
		res = internalResult(decision.AccountID, err)
	}
	res.accountID = decision.AccountID
	res.decision = decision
	return res
}

func (h *Handler) finish(w http.ResponseWriter, start time.Time, res result) {
	w.Header().Set("Content-Type", res.contentType)
	w.WriteHeader(res.status)
	if len(res.body) > 0 {
		_, _ = w.Write(res.body)
	}
	h.observer.RequestFinished(res.outcome, res.status, time.Since(start))
}

func (h *Handler) debugf(format string, args ...any) {
	if h.debug {
		h.logger.Printf("DEBUG "+format, args...)
	}
}

func errorResult(outcome string, status int, payload map[string]any) result {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(`{"error":"Internal server error"}`)
	}
	return result{outcome: outcome, status: status, contentType: "application/json", body: body}
}

func internalResult(accountID int64, err error) result {
	res := errorResult("internal_error", http.StatusInternalServerError, map[string]any{
		"error":   "Internal server error",
		"details": err.Error(),
	})
	res.accountID = accountID
	return res
}

type nopObserver struct{}

func (nopObserver) RequestStarted()                            {}
func (nopObserver) RequestFinished(string, int, time.Duration) {}
func (nopObserver) Debited(decimal.Decimal)                    {}
func (nopObserver) UpstreamObserved(time.Duration, bool)       {}
