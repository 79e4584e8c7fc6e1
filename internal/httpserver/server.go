package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/tokligence/credit-gateway/internal/audit"
	"github.com/tokligence/credit-gateway/internal/health"
	"github.com/tokligence/credit-gateway/internal/httpserver/protocol"
	"github.com/tokligence/credit-gateway/internal/ledger"
	"github.com/tokligence/credit-gateway/internal/metrics"
)

var defaultEndpointKeys = []string{"proxy", "credit", "health", "metrics"}

// AccountReader is the read side of the ledger used by the credit API.
type AccountReader interface {
	LookupAPIKey(ctx context.Context, apiKey string) (ledger.Account, error)
	Balance(ctx context.Context, id int64) (decimal.Decimal, error)
	ListEntries(ctx context.Context, id int64, filter ledger.EntryFilter) ([]ledger.Entry, int, error)
	UsageSince(ctx context.Context, id int64, since time.Time) (ledger.UsageTotals, error)
}

// StatsReader aggregates audit records per day.
type StatsReader interface {
	DailyStats(ctx context.Context, accountID int64, since time.Time) ([]audit.DailyStat, error)
}

// Options wires the server's collaborators. Nil collaborators disable the
// endpoints that need them.
type Options struct {
	Proxy        http.Handler
	ProxyPrefix  string
	APIKeyHeader string
	Accounts     AccountReader
	Stats        StatsReader
	Health       *health.Checker
	Metrics      *metrics.Collector
	Endpoints    []string
}

// Server exposes the metered proxy, the account read API and the
// operational endpoints on one chi router.
type Server struct {
	proxy        http.Handler
	proxyPrefix  string
	keyHeader    string
	accounts     AccountReader
	stats        StatsReader
	health       *health.Checker
	metrics      *metrics.Collector
	endpointKeys []string

	logger   *log.Logger
	logLevel string
	now      func() time.Time
}

// New constructs a Server.
func New(opts Options) *Server {
	prefix := "/" + strings.Trim(opts.ProxyPrefix, "/")
	if prefix == "/" {
		prefix = "/api/proxy"
	}
	header := strings.TrimSpace(opts.APIKeyHeader)
	if header == "" {
		header = "X-API-Key"
	}
	return &Server{
		proxy:        opts.Proxy,
		proxyPrefix:  prefix,
		keyHeader:    header,
		accounts:     opts.Accounts,
		stats:        opts.Stats,
		health:       opts.Health,
		metrics:      opts.Metrics,
		endpointKeys: normalizeEndpointKeys(opts.Endpoints, defaultEndpointKeys),
		logger:       log.New(log.Writer(), "[creditd/http] ", log.LstdFlags|log.Lmicroseconds),
		now:          time.Now,
	}
}

// SetLogger replaces the logger and sets the verbosity ("debug" enables
// per-request access logs).
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.isDebug() {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	}
	r.Use(middleware.Recoverer)

	for _, key := range s.endpointKeys {
		ep := s.endpointByKey(key)
		if ep == nil {
			s.debugf("endpoint %s unavailable, skipping registration", key)
			continue
		}
		s.debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			if route.Method == "" {
				r.Handle(route.Path, route.Handler)
				continue
			}
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
	return r
}

func (s *Server) endpointByKey(key string) protocol.Endpoint {
	switch key {
	case "proxy":
		if s.proxy == nil {
			return nil
		}
		return newProxyEndpoint(s)
	case "credit", "account":
		if s.accounts == nil {
			return nil
		}
		return newCreditEndpoint(s)
	case "health", "status":
		return newHealthEndpoint(s)
	case "metrics":
		if s.metrics == nil {
			return nil
		}
		return newMetricsEndpoint(s)
	default:
		return nil
	}
}

func normalizeEndpointKeys(list []string, defaults []string) []string {
	if len(list) == 0 {
		list = defaults
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, key := range list {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}
