// Package pricing resolves the per-request price from the settings table.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tokligence/credit-gateway/internal/ledger"
)

// DefaultCost is used when no usable price is configured.
var DefaultCost = decimal.RequireFromString("0.01")

// SettingReader is the slice of ledger.Store the resolver needs.
type SettingReader interface {
	Setting(ctx context.Context, key string) (ledger.Setting, error)
}

// Resolver reads the price on every call so operator changes apply to the
// next request without a restart.
type Resolver struct {
	settings SettingReader
	fallback decimal.Decimal
	logger   *log.Logger
}

// New builds a resolver. A negative fallback is replaced by DefaultCost.
func New(settings SettingReader, fallback decimal.Decimal, logger *log.Logger) *Resolver {
	if fallback.IsNegative() {
		fallback = DefaultCost
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[pricing] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Resolver{settings: settings, fallback: fallback, logger: logger}
}

// Fallback returns the price used when the setting is unusable.
func (r *Resolver) Fallback() decimal.Decimal {
	return r.fallback
}

// CurrentCost returns the configured price, or the fallback when the
// setting is missing, unreadable, unparsable or negative. It never fails.
func (r *Resolver) CurrentCost(ctx context.Context) decimal.Decimal {
	st, err := r.settings.Setting(ctx, ledger.SettingRequestCost)
	if err != nil {
		if !errors.Is(err, ledger.ErrSettingNotFound) {
			r.logger.Printf("read %s failed, using fallback %s: %v", ledger.SettingRequestCost, r.fallback, err)
		}
		return r.fallback
	}
	cost, err := Parse(st.Value)
	if err != nil {
		r.logger.Printf("invalid %s %q, using fallback %s: %v", ledger.SettingRequestCost, st.Value, r.fallback, err)
		return r.fallback
	}
	return cost
}

// Parse validates a price string.
func Parse(value string) (decimal.Decimal, error) {
	cost, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price: %w", err)
	}
	if cost.IsNegative() {
		return decimal.Zero, errors.New("price cannot be negative")
	}
	return ledger.Normalize(cost), nil
}

// Format renders a price the way it is stored in the settings table: four
// places, or the full stored precision when the price is finer than that.
// Parse(Format(c)) always equals c.
func Format(cost decimal.Decimal) string {
	cost = ledger.Normalize(cost)
	if cost.Round(4).Equal(cost) {
		return cost.StringFixed(4)
	}
	return cost.StringFixed(ledger.AmountScale)
}
