package testutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
)

// Captured is one request seen by an Upstream.
type Captured struct {
	Method   string
	Path     string
	RawPath  string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Upstream is a stand-in target API bound to the IPv4 loopback interface.
// It records every request before handing it to the wrapped handler.
type Upstream struct {
	URL       string
	listener  net.Listener
	server    *http.Server
	transport *http.Transport

	mu       sync.Mutex
	requests []Captured
}

// NewUpstream starts an upstream that answers with handler. A nil handler
// replies 200 with an empty JSON object. The server is closed on test cleanup.
func NewUpstream(t *testing.T, handler http.Handler) *Upstream {
	t.Helper()
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{}`)
		})
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	u := &Upstream{
		URL:       "http://" + l.Addr().String(),
		listener:  l,
		transport: &http.Transport{},
	}
	u.server = &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.requests = append(u.requests, Captured{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawPath:  r.URL.EscapedPath(),
			RawQuery: r.URL.RawQuery,
			Header:   r.Header.Clone(),
			Body:     body,
		})
		u.mu.Unlock()
		r.Body = io.NopCloser(bytes.NewReader(body))
		handler.ServeHTTP(w, r)
	})}
	go func() {
		if err := u.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("upstream serve error: %v", err)
		}
	}()
	t.Cleanup(u.Close)
	return u
}

// Requests returns a copy of the captured requests.
func (u *Upstream) Requests() []Captured {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Captured(nil), u.requests...)
}

// Client returns an HTTP client whose idle connections are released on Close.
func (u *Upstream) Client() *http.Client {
	return &http.Client{Transport: u.transport}
}

// Close shuts down the server and frees resources.
func (u *Upstream) Close() {
	_ = u.server.Shutdown(context.Background())
	u.transport.CloseIdleConnections()
}
