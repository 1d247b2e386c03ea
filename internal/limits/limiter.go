// Package limits enforces caps on how many shares a single user may hold.
//
// Two caps apply to a buy: one per outcome, and one on the aggregate held
// across all outcomes of the same market, since holdings within one market
// are mutually exclusive bets on the same event. A zero cap is disabled.
package limits

import (
	"fmt"

	"github.com/atmx/outcome-exchange/internal/model"
)

var (
	// ErrPerOutcomeLimitExceeded is returned when a buy would push a single
	// outcome's holding beyond the per-outcome maximum.
	ErrPerOutcomeLimitExceeded = fmt.Errorf("%w: per-outcome position limit exceeded", model.ErrInvalidState)

	// ErrPerMarketLimitExceeded is returned when a buy would push the
	// aggregate holding in one market beyond the per-market maximum.
	ErrPerMarketLimitExceeded = fmt.Errorf("%w: per-market position limit exceeded", model.ErrInvalidState)
)

// PositionLimiter holds the configured caps, in shares.
type PositionLimiter struct {
	// MaxPerOutcome is the maximum quantity held in any single outcome.
	MaxPerOutcome int64

	// MaxPerMarket is the maximum total quantity held across one market's
	// outcomes.
	MaxPerMarket int64
}

// NewPositionLimiter creates a limiter. Negative caps are treated as 0.
func NewPositionLimiter(maxPerOutcome, maxPerMarket int64) *PositionLimiter {
	return &PositionLimiter{
		MaxPerOutcome: max(maxPerOutcome, 0),
		MaxPerMarket:  max(maxPerMarket, 0),
	}
}

// Enabled reports whether any cap is set.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxPerOutcome > 0 || l.MaxPerMarket > 0)
}

// CheckBuy validates a buy of qty shares.
//
// Parameters:
//   - heldInOutcome: the user's current quantity in the outcome being bought
//   - heldInMarket: the user's current quantity across the whole market,
//     heldInOutcome included
//
// Sells only shrink holdings and are never limited. A nil limiter allows
// everything.
func (l *PositionLimiter) CheckBuy(heldInOutcome, heldInMarket, qty int64) error {
	if l == nil {
		return nil
	}
	if l.MaxPerOutcome > 0 && heldInOutcome+qty > l.MaxPerOutcome {
		return fmt.Errorf("%w: %d + %d > %d", ErrPerOutcomeLimitExceeded, heldInOutcome, qty, l.MaxPerOutcome)
	}
	if l.MaxPerMarket > 0 && heldInMarket+qty > l.MaxPerMarket {
		return fmt.Errorf("%w: %d + %d > %d", ErrPerMarketLimitExceeded, heldInMarket, qty, l.MaxPerMarket)
	}
	return nil
}
