// Package credit decides whether a caller may spend one request's worth of
// credits and debits them when it may.
package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tokligence/credit-gateway/internal/ledger"
)

// Outcome is the result of an authorization attempt.
type Outcome int

const (
	OutcomeUnknownKey Outcome = iota
	OutcomeInactive
	OutcomeInsufficient
	OutcomeAdmitted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnknownKey:
		return "unknown_key"
	case OutcomeInactive:
		return "inactive"
	case OutcomeInsufficient:
		return "insufficient"
	case OutcomeAdmitted:
		return "admitted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Decision carries the account a request is attributed to, the price quoted
// and the balance after the decision. AccountID is zero for identity failures.
type Decision struct {
	Outcome   Outcome
	AccountID int64
	Cost      decimal.Decimal
	Remaining decimal.Decimal
}

// Admitted reports whether the request was paid for.
func (d Decision) Admitted() bool { return d.Outcome == OutcomeAdmitted }

// Ledger is the slice of ledger.Store the gate needs.
type Ledger interface {
	LookupAPIKey(ctx context.Context, apiKey string) (ledger.Account, error)
	Balance(ctx context.Context, id int64) (decimal.Decimal, error)
	Debit(ctx context.Context, id int64, amount decimal.Decimal, description string) (decimal.Decimal, error)
}

// Pricer returns the price of the next request.
type Pricer interface {
	CurrentCost(ctx context.Context) decimal.Decimal
}

// UsageDescription is recorded on every debit made by the gate.
const UsageDescription = "API request"

// Gate performs the check-and-debit for one request.
type Gate struct {
	ledger Ledger
	pricer Pricer
}

// NewGate wires a gate to its ledger and pricer.
func NewGate(l Ledger, p Pricer) *Gate {
	return &Gate{ledger: l, pricer: p}
}

// Authorize resolves the key, prices the request and debits it. The returned
// error is non-nil only for internal faults; business rejections are carried
// in the Decision.
func (g *Gate) Authorize(ctx context.Context, apiKey string) (Decision, error) {
	acct, err := g.ledger.LookupAPIKey(ctx, apiKey)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return Decision{Outcome: OutcomeUnknownKey}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("lookup api key: %w", err)
	}
	if !acct.Active {
		return Decision{Outcome: OutcomeInactive}, nil
	}

	cost := g.pricer.CurrentCost(ctx)
	decision := Decision{AccountID: acct.ID, Cost: cost, Remaining: acct.Balance}

	balance, err := g.ledger.Balance(ctx, acct.ID)
	if err != nil {
		return decision, fmt.Errorf("read balance: %w", err)
	}
	decision.Remaining = balance
	if balance.LessThan(cost) {
		decision.Outcome = OutcomeInsufficient
		return decision, nil
	}
	if !cost.IsPositive() {
		decision.Outcome = OutcomeAdmitted
		return decision, nil
	}

	remaining, err := g.ledger.Debit(ctx, acct.ID, cost, UsageDescription)
	switch {
	case err == nil:
		decision.Outcome = OutcomeAdmitted
		decision.Remaining = remaining
		return decision, nil
	case errors.Is(err, ledger.ErrInsufficientFunds):
		// Another request spent the balance between the read and the debit.
		decision.Outcome = OutcomeInsufficient
		if fresh, berr := g.ledger.Balance(ctx, acct.ID); berr == nil {
			decision.Remaining = fresh
		}
		return decision, nil
	default:
		return decision, fmt.Errorf("debit: %w", err)
	}
}
