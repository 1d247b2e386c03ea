// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for discrete-outcome prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// A share pays 100 cents if its outcome is correct, so the cost function is
// evaluated in share units and converted to cents with shopspring/decimal.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability. Everything here is a pure function of its inputs: share vectors
// are copied before any simulated trade and nothing is stored.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/outcome-exchange/internal/model"
)

var (
	// ErrInvalidLiquidity is returned when b < 1.
	ErrInvalidLiquidity = fmt.Errorf("%w: lmsr liquidity parameter b must be >= 1", model.ErrInvalidState)

	// ErrTooFewOutcomes is returned for markets with fewer than two outcomes.
	ErrTooFewOutcomes = fmt.Errorf("%w: lmsr market needs at least 2 outcomes", model.ErrInvalidState)

	// ErrNegativeShares is returned when any outstanding share count is negative.
	ErrNegativeShares = fmt.Errorf("%w: outstanding shares cannot be negative", model.ErrInvalidState)

	// ErrInvalidQuantity is returned for quotes with qty <= 0.
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be > 0", model.ErrInvalidArgument)

	// ErrOversell is returned when a sell quote exceeds the outstanding shares.
	ErrOversell = fmt.Errorf("%w: cannot sell more than outstanding", model.ErrInvalidArgument)

	// ErrUnknownOutcome is returned when an outcome is not part of the market.
	ErrUnknownOutcome = fmt.Errorf("%w: outcome does not belong to market", model.ErrNotFound)
)

const (
	// CentsPerShare is the payout of one winning share.
	CentsPerShare = 100

	// MinLiquidity is the smallest allowed b.
	MinLiquidity = 1
)

var hundred = decimal.NewFromInt(CentsPerShare)

// MarketMaker implements the LMSR cost function for n-outcome markets.
// It is stateless: share quantities are passed in, not stored.
type MarketMaker struct {
	b int64
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
func NewMarketMaker(b int64) (*MarketMaker, error) {
	if b < MinLiquidity {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() int64 {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// scaled returns q_i / b for every outcome.
func (m *MarketMaker) scaled(q []int64) []float64 {
	bf := float64(m.b)
	xs := make([]float64, len(q))
	for i, qi := range q {
		xs[i] = float64(qi) / bf
	}
	return xs
}

// Cost computes the LMSR cost function in share units:
//
//	C(q) = b * ln(Σ exp(q_i / b))
func (m *MarketMaker) Cost(q []int64) float64 {
	return float64(m.b) * logSumExp(m.scaled(q))
}

// Price computes the instantaneous price (probability) of outcome i:
//
//	p_i = exp(q_i / b) / Σ exp(q_j / b)
//
// This is the softmax function. Uses max-subtraction for numerical stability.
func (m *MarketMaker) Price(q []int64, i int) float64 {
	return m.prices(q)[i]
}

func (m *MarketMaker) prices(q []int64) []float64 {
	xs := m.scaled(q)
	if len(xs) == 0 {
		return xs
	}
	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	var denom float64
	for i, x := range xs {
		xs[i] = math.Exp(x - maxVal)
		denom += xs[i]
	}
	for i := range xs {
		xs[i] /= denom
	}
	return xs
}

// PriceCents returns outcome i's entry of BoardCents.
func (m *MarketMaker) PriceCents(q []int64, i int) int64 {
	return m.BoardCents(q)[i]
}

// BoardCents returns every outcome's price in whole cents. Prices are
// apportioned by largest remainder: each p_i·100 is floored and the cents
// left over go to the largest fractional parts, lowest index first on ties.
// The board always sums to CentsPerShare and every entry is within one cent
// of p_i·100.
func (m *MarketMaker) BoardCents(q []int64) []int64 {
	ps := m.prices(q)
	cents := make([]int64, len(ps))
	order := make([]int, len(ps))
	frac := make([]float64, len(ps))
	var total int64
	for i, p := range ps {
		exact := p * CentsPerShare
		if math.IsNaN(exact) {
			exact = 0
		}
		floor := math.Floor(exact)
		cents[i] = int64(floor)
		frac[i] = exact - floor
		total += cents[i]
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return frac[order[a]] > frac[order[b]] })
	for k := 0; total < CentsPerShare && k < len(order); k++ {
		cents[order[k]]++
		total++
	}
	return cents
}

// BuyCostCents is the cost of buying qty shares of outcome i:
//
//	round((C(q + qty·e_i) - C(q)) · 100), floored at 0
func (m *MarketMaker) BuyCostCents(q []int64, i int, qty int64) int64 {
	after := clone(q)
	after[i] += qty
	return floorZero(toCents(m.Cost(after) - m.Cost(q)))
}

// SellPayoutCents is the payout for selling qty shares of outcome i:
//
//	round((C(q) - C(q - qty·e_i)) · 100), floored at 0
func (m *MarketMaker) SellPayoutCents(q []int64, i int, qty int64) int64 {
	after := clone(q)
	after[i] -= qty
	return floorZero(toCents(m.Cost(q) - m.Cost(after)))
}

// MaxLoss returns the maximum possible loss for the market maker in cents:
// b * ln(n) share units.
func (m *MarketMaker) MaxLoss(n int) int64 {
	if n < 1 {
		return 0
	}
	return toCents(float64(m.b) * math.Log(float64(n)))
}

// FillPriceCents returns the average execution price per share,
// round(total / qty). Returns 0 for qty <= 0.
func FillPriceCents(totalCents, qty int64) int64 {
	if qty <= 0 {
		return 0
	}
	return decimal.NewFromInt(totalCents).
		Div(decimal.NewFromInt(qty)).
		Round(0).
		IntPart()
}

// toCents converts a share-unit amount to whole cents, rounding half away
// from zero.
func toCents(units float64) int64 {
	if math.IsNaN(units) || math.IsInf(units, 0) {
		return 0
	}
	return decimal.NewFromFloat(units).Mul(hundred).Round(0).IntPart()
}

func floorZero(c int64) int64 {
	if c < 0 {
		return 0
	}
	return c
}

func clone(q []int64) []int64 {
	out := make([]int64, len(q))
	copy(out, q)
	return out
}
