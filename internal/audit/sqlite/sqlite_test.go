package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tokligence/credit-gateway/internal/audit"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAndList(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.Append(ctx, audit.Record{RequestID: "r1", AccountID: 1, Endpoint: "/a", Method: "GET", ResponseCode: 200, DurationMs: 10, CreatedAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.AppendBatch(ctx, []audit.Record{
		{RequestID: "r2", AccountID: 1, Endpoint: "/b", Method: "POST", ResponseCode: 429, CreatedAt: now},
		{RequestID: "r3", AccountID: 2, Endpoint: "/c", Method: "GET", ResponseCode: 502, CreatedAt: now},
	}); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	recs, err := store.List(ctx, audit.Query{AccountID: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].RequestID != "r2" || recs[1].RequestID != "r1" {
		t.Fatalf("unexpected ordering %q, %q", recs[0].RequestID, recs[1].RequestID)
	}
	if recs[0].ResponseCode != 429 || recs[0].Method != "POST" {
		t.Fatalf("unexpected record %+v", recs[0])
	}

	all, err := store.List(ctx, audit.Query{Since: now.Add(-time.Second)})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records in window, got %d", len(all))
	}
}

func TestDailyStats(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	today := time.Now().UTC().Truncate(24 * time.Hour).Add(time.Hour)
	yesterday := today.Add(-24 * time.Hour)

	recs := []audit.Record{
		{AccountID: 5, ResponseCode: 200, DurationMs: 100, CreatedAt: yesterday},
		{AccountID: 5, ResponseCode: 200, DurationMs: 300, CreatedAt: today},
		{AccountID: 5, ResponseCode: 502, DurationMs: 50, CreatedAt: today},
		{AccountID: 5, ResponseCode: 302, DurationMs: 50, CreatedAt: today},
		{AccountID: 6, ResponseCode: 200, DurationMs: 1, CreatedAt: today},
	}
	if err := store.AppendBatch(ctx, recs); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	stats, err := store.DailyStats(ctx, 5, yesterday.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DailyStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 days, got %d", len(stats))
	}
	if stats[0].Requests != 1 || stats[0].AvgDurationMs != 100 {
		t.Fatalf("unexpected first day %+v", stats[0])
	}
	d := stats[1]
	if d.Requests != 3 || d.Successful != 1 || d.Failed != 1 || d.AvgDurationMs != 400.0/3 {
		t.Fatalf("unexpected second day %+v", d)
	}
	if !d.Day.Equal(today.Truncate(24 * time.Hour)) {
		t.Fatalf("unexpected day %v", d.Day)
	}
}
