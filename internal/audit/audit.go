// Package audit persists one record per proxied request that could be
// attributed to an account.
package audit

import (
	"context"
	"time"
)

// Column limits. Longer values keep their prefix.
const (
	MaxEndpoint     = 255
	MaxMethod       = 10
	MaxRequestBody  = 5000
	MaxResponseBody = 1000
	MaxUserAgent    = 500
	MaxIP           = 45
)

// Record describes one completed proxy exchange.
type Record struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"request_id"`
	AccountID    int64     `json:"account_id"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	RequestBody  string    `json:"request_body,omitempty"`
	ResponseCode int       `json:"response_code"`
	ResponseBody string    `json:"response_body,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
}

// Query selects records for one account, newest first. Zero times are open
// bounds.
type Query struct {
	AccountID int64
	Since     time.Time
	Until     time.Time
	Offset    int
	Limit     int
}

// DailyStat aggregates one UTC day of requests.
type DailyStat struct {
	Day           time.Time `json:"date"`
	Requests      int64     `json:"total_requests"`
	Successful    int64     `json:"successful_requests"`
	Failed        int64     `json:"error_requests"`
	AvgDurationMs float64   `json:"average_response_time"`
}

// Store is the persistence behind the Logger.
type Store interface {
	Append(ctx context.Context, rec Record) error
	AppendBatch(ctx context.Context, recs []Record) error
	List(ctx context.Context, q Query) ([]Record, error)
	DailyStats(ctx context.Context, accountID int64, since time.Time) ([]DailyStat, error)
	Close() error
}
