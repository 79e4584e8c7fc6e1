package httpserver

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokligence/credit-gateway/internal/audit"
	"github.com/tokligence/credit-gateway/internal/ledger"
)

const (
	recentEntries   = 10
	defaultPageSize = 20
	maxPageSize     = 100
	defaultStatDays = 30
	maxStatDays     = 365
)

type accountContextKey struct{}

func accountFromContext(ctx context.Context) (ledger.Account, bool) {
	acct, ok := ctx.Value(accountContextKey{}).(ledger.Account)
	return acct, ok
}

// accountMiddleware resolves the caller's API key without charging for it.
func (s *Server) accountMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(s.keyHeader))
		if key == "" {
			s.respondError(w, http.StatusUnauthorized, errors.New("API key required"))
			return
		}
		acct, err := s.accounts.LookupAPIKey(r.Context(), key)
		switch {
		case errors.Is(err, ledger.ErrAccountNotFound):
			s.respondError(w, http.StatusUnauthorized, errors.New("Invalid API key"))
			return
		case err != nil:
			s.logger.Printf("credit api: lookup key failed: %v", err)
			s.respondError(w, http.StatusInternalServerError, errors.New("Internal server error"))
			return
		case !acct.Active:
			s.respondError(w, http.StatusUnauthorized, errors.New("Invalid API key"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountContextKey{}, acct)))
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	acct, _ := accountFromContext(r.Context())
	balance, err := s.accounts.Balance(r.Context(), acct.ID)
	if err != nil {
		s.internalError(w, "balance", acct.ID, err)
		return
	}
	entries, _, err := s.accounts.ListEntries(r.Context(), acct.ID, ledger.EntryFilter{Limit: recentEntries})
	if err != nil {
		s.internalError(w, "recent entries", acct.ID, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"account_id":          acct.ID,
		"name":                acct.Name,
		"balance":             balance,
		"recent_transactions": nonNilEntries(entries),
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	acct, _ := accountFromContext(r.Context())
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1, 1, math.MaxInt32)
	size := queryInt(q.Get("page_size"), defaultPageSize, 1, maxPageSize)

	filter := ledger.EntryFilter{Offset: (page - 1) * size, Limit: size}
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		kind, ok := parseKind(raw)
		if !ok {
			s.respondError(w, http.StatusBadRequest, errors.New("type must be Recharge or Usage"))
			return
		}
		filter.Kind = kind
	}

	entries, total, err := s.accounts.ListEntries(r.Context(), acct.ID, filter)
	if err != nil {
		s.internalError(w, "list entries", acct.ID, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"transactions": nonNilEntries(entries),
		"pagination": map[string]int{
			"current_page": page,
			"page_size":    size,
			"total_count":  total,
			"total_pages":  (total + size - 1) / size,
		},
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	acct, _ := accountFromContext(r.Context())
	days := queryInt(r.URL.Query().Get("days"), defaultStatDays, 1, maxStatDays)
	since := startOfDay(s.now()).AddDate(0, 0, -(days - 1))

	var daily []audit.DailyStat
	if s.stats != nil {
		var err error
		daily, err = s.stats.DailyStats(r.Context(), acct.ID, since)
		if err != nil {
			s.internalError(w, "daily stats", acct.ID, err)
			return
		}
	}
	usage, err := s.accounts.UsageSince(r.Context(), acct.ID, since)
	if err != nil {
		s.internalError(w, "usage", acct.ID, err)
		return
	}

	var total, successful int64
	var weighted float64
	for _, d := range daily {
		total += d.Requests
		successful += d.Successful
		weighted += d.AvgDurationMs * float64(d.Requests)
	}
	summary := map[string]any{
		"total_requests":        total,
		"successful_requests":   successful,
		"success_rate":          0.0,
		"average_response_time": 0.0,
		"credits_spent":         usage.Amount,
	}
	if total > 0 {
		summary["success_rate"] = round2(float64(successful) * 100 / float64(total))
		summary["average_response_time"] = round2(weighted / float64(total))
	}
	if daily == nil {
		daily = []audit.DailyStat{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"period_days": days,
		"daily_stats": daily,
		"summary":     summary,
	})
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	acct, _ := accountFromContext(r.Context())
	balance, err := s.accounts.Balance(r.Context(), acct.ID)
	if err != nil {
		s.internalError(w, "balance", acct.ID, err)
		return
	}
	today := startOfDay(s.now())
	windows := []struct {
		name  string
		since time.Time
	}{
		{"today", today},
		{"this_month", time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)},
		{"lifetime", time.Time{}},
	}
	payload := map[string]any{"account_id": acct.ID, "current_balance": balance}
	for _, win := range windows {
		usage, err := s.accounts.UsageSince(r.Context(), acct.ID, win.since)
		if err != nil {
			s.internalError(w, "usage "+win.name, acct.ID, err)
			return
		}
		payload[win.name] = map[string]any{"requests": usage.Count, "credits_used": usage.Amount}
	}
	s.respondJSON(w, http.StatusOK, payload)
}

func (s *Server) internalError(w http.ResponseWriter, what string, accountID int64, err error) {
	s.logger.Printf("credit api: %s account=%d: %v", what, accountID, err)
	s.respondError(w, http.StatusInternalServerError, errors.New("Internal server error"))
}

func parseKind(raw string) (ledger.Kind, bool) {
	for _, k := range []ledger.Kind{ledger.KindRecharge, ledger.KindUsage} {
		if strings.EqualFold(raw, string(k)) {
			return k, true
		}
	}
	return "", false
}

func queryInt(raw string, fallback, lo, hi int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func nonNilEntries(entries []ledger.Entry) []ledger.Entry {
	if entries == nil {
		return []ledger.Entry{}
	}
	return entries
}
