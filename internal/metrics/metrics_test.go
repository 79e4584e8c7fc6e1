package metrics

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCollectorConcurrentUpdates(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RequestStarted()
			c.Debited(decimal.RequireFromString("0.01"))
			c.UpstreamObserved(2*time.Millisecond, false)
			c.RequestFinished("forwarded", 200, 3*time.Millisecond)
		}()
	}
	wg.Wait()
	c.RequestStarted()
	c.RequestFinished("insufficient", 429, time.Millisecond)
	c.UpstreamObserved(time.Millisecond, true)
	c.AuditFailed(errors.New("x"))
	c.AuditDropped()

	snap := c.GetSnapshot()
	if snap.InFlight != 0 {
		t.Fatalf("expected no in-flight requests, got %d", snap.InFlight)
	}
	if snap.Requests["forwarded"] != 50 || snap.Requests["insufficient"] != 1 {
		t.Fatalf("unexpected outcome counts %v", snap.Requests)
	}
	if snap.Responses["200"] != 50 || snap.Responses["429"] != 1 {
		t.Fatalf("unexpected status counts %v", snap.Responses)
	}
	if !snap.DebitedTotal.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected 0.5 debited, got %s", snap.DebitedTotal)
	}
	if snap.UpstreamRequests != 51 || snap.UpstreamErrors != 1 {
		t.Fatalf("unexpected upstream counts %d/%d", snap.UpstreamRequests, snap.UpstreamErrors)
	}
	if snap.AuditFailures != 1 || snap.AuditDropped != 1 {
		t.Fatalf("unexpected audit counts %d/%d", snap.AuditFailures, snap.AuditDropped)
	}
}

func TestFormatPrometheus(t *testing.T) {
	c := NewCollector()
	c.RequestStarted()
	c.Debited(decimal.RequireFromString("0.01"))
	c.RequestFinished("forwarded", 201, time.Millisecond)

	out := FormatPrometheus(c.GetSnapshot())
	for _, want := range []string{
		"# TYPE creditgw_proxy_requests_total counter",
		`creditgw_proxy_requests_total{outcome="forwarded"} 1`,
		`creditgw_proxy_responses_total{code="201"} 1`,
		"creditgw_debited_credits_total 0.01",
		"creditgw_proxy_requests_in_progress 0",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}
