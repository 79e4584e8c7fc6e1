package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/credit-gateway/internal/audit"
	auditsqlite "github.com/tokligence/credit-gateway/internal/audit/sqlite"
	"github.com/tokligence/credit-gateway/internal/credit"
	"github.com/tokligence/credit-gateway/internal/health"
	"github.com/tokligence/credit-gateway/internal/ledger"
	ledgersqlite "github.com/tokligence/credit-gateway/internal/ledger/sqlite"
	"github.com/tokligence/credit-gateway/internal/metrics"
	"github.com/tokligence/credit-gateway/internal/pricing"
	"github.com/tokligence/credit-gateway/internal/proxy"
	"github.com/tokligence/credit-gateway/internal/testutil"
	"github.com/tokligence/credit-gateway/internal/upstream"
)

var quiet = log.New(io.Discard, "", 0)

type testEnv struct {
	ledger  *ledgersqlite.Store
	metrics *metrics.Collector
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	ledgerStore, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledgerStore.Close() })
	auditStore, err := auditsqlite.New(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditStore.Close() })

	up := testutil.NewUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	collector := metrics.NewCollector()
	gate := credit.NewGate(ledgerStore, pricing.New(ledgerStore, pricing.DefaultCost, quiet))
	fwd := upstream.NewForwarder(upstream.Config{BaseURL: up.URL, Client: up.Client()})
	handler := proxy.New(gate, fwd, audit.NewLogger(auditStore, quiet), proxy.Config{Logger: quiet, Observer: collector})

	srv := New(Options{
		Proxy:       handler,
		ProxyPrefix: handler.Prefix(),
		Accounts:    ledgerStore,
		Stats:       auditStore,
		Health: health.New(health.Config{
			Databases:          map[string]health.Pinger{"ledger_db": ledgerStore, "audit_db": auditStore},
			MaxDatabaseLatency: 5 * time.Second,
		}),
		Metrics: collector,
	})
	srv.SetLogger("info", quiet)
	return &testEnv{ledger: ledgerStore, metrics: collector, router: srv.Router()}
}

func (e *testEnv) account(t *testing.T, balance string) (ledger.Account, string) {
	t.Helper()
	acct, key, err := e.ledger.CreateAccount(context.Background(), "acct", decimal.RequireFromString(balance))
	require.NoError(t, err)
	return acct, key
}

func (e *testEnv) get(target, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) proxyCall(t *testing.T, key string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/proxy/v1/echo", strings.NewReader(`{"q":1}`))
	req.Header.Set("X-API-Key", key)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	dec := json.NewDecoder(rec.Body)
	dec.UseNumber()
	require.NoError(t, dec.Decode(&out))
	return out
}

func TestProxyMountedUnderPrefix(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.account(t, "1.00")

	req := httptest.NewRequest(http.MethodPut, "/api/proxy", strings.NewReader(`{}`))
	req.Header.Set("X-API-Key", key)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(proxy.HeaderRequestID))
	require.Equal(t, "0.99", rec.Header().Get(proxy.HeaderRemaining))

	env.proxyCall(t, key)
	snap := env.metrics.GetSnapshot()
	require.Equal(t, int64(2), snap.Requests["forwarded"])
}

func TestBalanceEndpoint(t *testing.T) {
	env := newTestEnv(t)
	acct, key := env.account(t, "5.00")
	env.proxyCall(t, key)
	env.proxyCall(t, key)

	rec := env.get("/api/credit/balance", key)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "4.98", body["balance"])
	require.Equal(t, json.Number("1"), body["account_id"])
	require.Len(t, body["recent_transactions"], 3)

	// Reading the balance is free.
	balance, err := env.ledger.Balance(context.Background(), acct.ID)
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.RequireFromString("4.98")))
}

func TestTransactionsPaging(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.account(t, "5.00")
	env.proxyCall(t, key)
	env.proxyCall(t, key)

	rec := env.get("/api/credit/transactions?type=usage&page=2&page_size=1", key)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Len(t, body["transactions"], 1)
	pagination := body["pagination"].(map[string]any)
	require.Equal(t, json.Number("2"), pagination["current_page"])
	require.Equal(t, json.Number("2"), pagination["total_count"])
	require.Equal(t, json.Number("2"), pagination["total_pages"])

	rec = env.get("/api/credit/transactions", key)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["transactions"], 3)

	rec = env.get("/api/credit/transactions?type=refund", key)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatisticsAndUsageSummary(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.account(t, "1.00")
	env.proxyCall(t, key)
	env.proxyCall(t, key)

	rec := env.get("/api/credit/statistics?days=7", key)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, json.Number("7"), body["period_days"])
	require.Len(t, body["daily_stats"], 1)
	summary := body["summary"].(map[string]any)
	require.Equal(t, json.Number("2"), summary["total_requests"])
	require.Equal(t, json.Number("2"), summary["successful_requests"])
	require.Equal(t, json.Number("100"), summary["success_rate"])
	require.Equal(t, "0.02", summary["credits_spent"])

	rec = env.get("/api/credit/usage-summary", key)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	require.Equal(t, "0.98", body["current_balance"])
	for _, window := range []string{"today", "this_month", "lifetime"} {
		usage := body[window].(map[string]any)
		require.Equal(t, json.Number("2"), usage["requests"], window)
		require.Equal(t, "0.02", usage["credits_used"], window)
	}
}

func TestCreditAPIRejectsBadKeys(t *testing.T) {
	env := newTestEnv(t)
	acct, key := env.account(t, "1.00")

	require.Equal(t, http.StatusUnauthorized, env.get("/api/credit/balance", "").Code)
	require.Equal(t, http.StatusUnauthorized, env.get("/api/credit/balance", "ak_nope").Code)

	require.NoError(t, env.ledger.SetActive(context.Background(), acct.ID, false))
	rec := env.get("/api/credit/usage-summary", key)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Invalid API key", decode(t, rec)["error"])
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.account(t, "1.00")
	env.proxyCall(t, key)

	rec := env.get("/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(health.StatusHealthy), decode(t, rec)["status"])

	rec = env.get("/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `creditgw_proxy_requests_total{outcome="forwarded"} 1`)
}

func TestEndpointSelection(t *testing.T) {
	srv := New(Options{Endpoints: []string{"health", "credit", "HEALTH"}})
	srv.SetLogger("debug", quiet)
	r := srv.Router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// credit needs an account reader and metrics was not requested.
	for _, path := range []string{"/api/credit/balance", "/metrics", "/api/proxy/x"} {
		rec = httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}
