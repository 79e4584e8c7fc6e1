package audit

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

type memoryStore struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (m *memoryStore) Append(ctx context.Context, rec Record) error {
	if m.err != nil {
		return m.err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryStore) AppendBatch(ctx context.Context, recs []Record) error {
	for _, r := range recs {
		if err := m.Append(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryStore) List(context.Context, Query) ([]Record, error) { return m.records, nil }

func (m *memoryStore) DailyStats(context.Context, int64, time.Time) ([]DailyStat, error) {
	return nil, nil
}

func (m *memoryStore) Close() error { return nil }

func TestTruncate(t *testing.T) {
	if got := Truncate(strings.Repeat("a", 6000), MaxRequestBody); len(got) != 5000 {
		t.Fatalf("expected 5000 chars, got %d", len(got))
	}
	if got := Truncate(strings.Repeat("é", 600), MaxUserAgent); utf8.RuneCountInString(got) != 500 || !utf8.ValidString(got) {
		t.Fatalf("expected 500 valid runes, got %d", utf8.RuneCountInString(got))
	}
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
	if got := Truncate("ab\xffcd", 10); got != "ab�cd" {
		t.Fatalf("expected invalid byte replaced, got %q", got)
	}
	if got := Truncate("abc", 0); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestRecordSkipsUnattributed(t *testing.T) {
	store := &memoryStore{}
	NewLogger(store, nil).Record(context.Background(), Record{AccountID: 0, ResponseCode: 401})
	if len(store.records) != 0 {
		t.Fatalf("expected no records, got %d", len(store.records))
	}
}

func TestRecordNormalizes(t *testing.T) {
	store := &memoryStore{}
	NewLogger(store, nil).Record(context.Background(), Record{
		AccountID:    3,
		Endpoint:     "/" + strings.Repeat("p", 300),
		Method:       "PROPFINDXXXX",
		RequestBody:  strings.Repeat("b", 6000),
		ResponseBody: strings.Repeat("r", 1200),
		UserAgent:    strings.Repeat("u", 600),
		IP:           strings.Repeat("1", 60),
		ResponseCode: 200,
	})
	if len(store.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(store.records))
	}
	rec := store.records[0]
	lengths := map[string][2]int{
		"endpoint":      {len(rec.Endpoint), MaxEndpoint},
		"method":        {len(rec.Method), MaxMethod},
		"request body":  {len(rec.RequestBody), MaxRequestBody},
		"response body": {len(rec.ResponseBody), MaxResponseBody},
		"user agent":    {len(rec.UserAgent), MaxUserAgent},
		"ip":            {len(rec.IP), MaxIP},
	}
	for field, l := range lengths {
		if l[0] != l[1] {
			t.Fatalf("%s: got length %d, want %d", field, l[0], l[1])
		}
	}
	if rec.CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt to be stamped")
	}
}

func TestRecordSwallowsFailures(t *testing.T) {
	var buf bytes.Buffer
	store := &memoryStore{err: errors.New("disk full")}
	l := NewLogger(store, log.New(&buf, "", 0))
	var hooked error
	l.OnFailure(func(err error) { hooked = err })

	l.Record(context.Background(), Record{AccountID: 1, ResponseCode: 502})
	if hooked == nil || !strings.Contains(buf.String(), "disk full") {
		t.Fatalf("expected failure to be logged and reported, log=%q", buf.String())
	}
}

func TestRecordSurvivesCanceledContext(t *testing.T) {
	store := &memoryStore{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewLogger(store, nil).Record(ctx, Record{AccountID: 1, ResponseCode: 408})
	if len(store.records) != 1 {
		t.Fatalf("expected record despite canceled caller, got %d", len(store.records))
	}
}
