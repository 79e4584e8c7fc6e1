package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/credit-gateway/internal/audit"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CREDITGW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CREDITGW_TEST_POSTGRES_DSN not set")
	}
	store, err := New(dsn, DefaultConfig())
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendBatchAndStats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	account := time.Now().UnixNano() % 1_000_000_000
	now := time.Now().UTC()

	if err := store.Append(ctx, audit.Record{RequestID: uuid.NewString(), AccountID: account, Endpoint: "/one", Method: "GET", ResponseCode: 200, DurationMs: 20, CreatedAt: now}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	batch := []audit.Record{
		{RequestID: uuid.NewString(), AccountID: account, Endpoint: "/two", Method: "POST", ResponseCode: 429, DurationMs: 2, CreatedAt: now},
		{RequestID: uuid.NewString(), AccountID: account, Endpoint: "/three", Method: "GET", ResponseCode: 408, DurationMs: 30000, CreatedAt: now},
	}
	if err := store.AppendBatch(ctx, batch); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	recs, err := store.List(ctx, audit.Query{AccountID: account, Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}

	stats, err := store.DailyStats(ctx, account, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DailyStats: %v", err)
	}
	var total, failed int64
	for _, st := range stats {
		total += st.Requests
		failed += st.Failed
	}
	if total != 3 || failed != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
