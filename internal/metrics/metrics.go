package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Collector tracks proxy counters in memory and renders them in the
// Prometheus text format.
type Collector struct {
	mu sync.RWMutex

	requests        map[string]int64 // by outcome
	responses       map[string]int64 // by status code
	requestDuration int64            // total ms
	inFlight        int64

	debits       int64
	debitedTotal decimal.Decimal

	upstreamRequests int64
	upstreamErrors   int64
	upstreamLatency  int64 // total ms

	auditFailures int64
	auditDropped  int64

	startTime time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		requests:  make(map[string]int64),
		responses: make(map[string]int64),
		startTime: time.Now(),
	}
}

// RequestStarted increments the in-flight gauge.
func (c *Collector) RequestStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight++
}

// RequestFinished records a terminal proxy state.
func (c *Collector) RequestFinished(outcome string, status int, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	c.requests[outcome]++
	c.responses[strconv.Itoa(status)]++
	c.requestDuration += d.Milliseconds()
}

// Debited records one successful charge.
func (c *Collector) Debited(cost decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debits++
	c.debitedTotal = c.debitedTotal.Add(cost)
}

// UpstreamObserved records one forward attempt.
func (c *Collector) UpstreamObserved(d time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upstreamRequests++
	c.upstreamLatency += d.Milliseconds()
	if failed {
		c.upstreamErrors++
	}
}

// AuditFailed records a failed audit write.
func (c *Collector) AuditFailed(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auditFailures++
}

// AuditDropped records an audit record dropped on a full queue.
func (c *Collector) AuditDropped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auditDropped++
}

// Snapshot is a point-in-time copy of every metric.
type Snapshot struct {
	Uptime           int64
	Requests         map[string]int64
	Responses        map[string]int64
	RequestDuration  int64
	InFlight         int64
	Debits           int64
	DebitedTotal     decimal.Decimal
	UpstreamRequests int64
	UpstreamErrors   int64
	UpstreamLatency  int64
	AuditFailures    int64
	AuditDropped     int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:           int64(time.Since(c.startTime).Seconds()),
		Requests:         copyMap(c.requests),
		Responses:        copyMap(c.responses),
		RequestDuration:  c.requestDuration,
		InFlight:         c.inFlight,
		Debits:           c.debits,
		DebitedTotal:     c.debitedTotal,
		UpstreamRequests: c.upstreamRequests,
		UpstreamErrors:   c.upstreamErrors,
		UpstreamLatency:  c.upstreamLatency,
		AuditFailures:    c.auditFailures,
		AuditDropped:     c.auditDropped,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
