package audit

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"
)

const writeTimeout = 5 * time.Second

// Logger normalizes records and hands them to a Store. Failures are logged
// and reported to the optional hook but never returned to the caller.
type Logger struct {
	store     Store
	logger    *log.Logger
	onFailure func(error)
}

// NewLogger builds a Logger writing to store.
func NewLogger(store Store, logger *log.Logger) *Logger {
	if logger == nil {
		logger = log.New(log.Writer(), "[audit] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Logger{store: store, logger: logger}
}

// OnFailure registers fn to be called after a failed write.
func (l *Logger) OnFailure(fn func(error)) {
	l.onFailure = fn
}

// Record persists rec. Records without an account are dropped. The write is
// detached from the caller's cancellation so a client hang-up does not lose it.
func (l *Logger) Record(ctx context.Context, rec Record) {
	if rec.AccountID == 0 {
		return
	}
	rec = Normalize(rec)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := l.store.Append(ctx, rec); err != nil {
		l.logger.Printf("write failed account=%d request=%s code=%d: %v", rec.AccountID, rec.RequestID, rec.ResponseCode, err)
		if l.onFailure != nil {
			l.onFailure(err)
		}
	}
}

// Normalize applies the column limits to every text field.
func Normalize(rec Record) Record {
	rec.Endpoint = Truncate(rec.Endpoint, MaxEndpoint)
	rec.Method = Truncate(rec.Method, MaxMethod)
	rec.RequestBody = Truncate(rec.RequestBody, MaxRequestBody)
	rec.ResponseBody = Truncate(rec.ResponseBody, MaxResponseBody)
	rec.UserAgent = Truncate(rec.UserAgent, MaxUserAgent)
	rec.IP = Truncate(rec.IP, MaxIP)
	return rec
}

// Truncate keeps the first max characters of s. Invalid UTF-8 sequences are
// replaced first so the result is always valid text.
func Truncate(s string, max int) string {
	s = strings.ToValidUTF8(s, "�")
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	count := 0
	for i := range s {
		if count == max {
			return s[:i]
		}
		count++
	}
	return s
}
