package lmsr

import (
	"github.com/google/uuid"

	"github.com/atmx/outcome-exchange/internal/model"
)

// Snapshot is an immutable view of one market's pricing inputs: the
// liquidity parameter and the outstanding shares of every outcome, in
// market order. Quotes over a snapshot never touch stored state.
type Snapshot struct {
	b      int64
	ids    []uuid.UUID
	shares []int64
}

// NewSnapshot copies the pricing inputs out of a market and its outcomes.
func NewSnapshot(b int64, outcomes []model.Outcome) Snapshot {
	s := Snapshot{
		b:      b,
		ids:    make([]uuid.UUID, len(outcomes)),
		shares: make([]int64, len(outcomes)),
	}
	for i, o := range outcomes {
		s.ids[i] = o.ID
		s.shares[i] = o.OutstandingShares
	}
	return s
}

// validate enforces the pricing preconditions and returns the market maker.
func (s Snapshot) validate() (*MarketMaker, error) {
	mm, err := NewMarketMaker(s.b)
	if err != nil {
		return nil, err
	}
	if len(s.shares) < 2 {
		return nil, ErrTooFewOutcomes
	}
	for _, q := range s.shares {
		if q < 0 {
			return nil, ErrNegativeShares
		}
	}
	return mm, nil
}

func (s Snapshot) index(outcomeID uuid.UUID) (int, error) {
	for i, id := range s.ids {
		if id == outcomeID {
			return i, nil
		}
	}
	return -1, ErrUnknownOutcome
}

func (s Snapshot) resolve(outcomeID uuid.UUID) (*MarketMaker, int, error) {
	mm, err := s.validate()
	if err != nil {
		return nil, 0, err
	}
	i, err := s.index(outcomeID)
	if err != nil {
		return nil, 0, err
	}
	return mm, i, nil
}

// Shares returns the outstanding shares of an outcome.
func (s Snapshot) Shares(outcomeID uuid.UUID) (int64, error) {
	i, err := s.index(outcomeID)
	if err != nil {
		return 0, err
	}
	return s.shares[i], nil
}

// SpotPriceCents returns the current price of an outcome in cents (0..100).
func (s Snapshot) SpotPriceCents(outcomeID uuid.UUID) (int64, error) {
	mm, i, err := s.resolve(outcomeID)
	if err != nil {
		return 0, err
	}
	return mm.PriceCents(s.shares, i), nil
}

// SpotPrices returns the price in cents of every outcome, keyed by outcome
// ID. The prices always sum to 100.
func (s Snapshot) SpotPrices() (map[uuid.UUID]int64, error) {
	mm, err := s.validate()
	if err != nil {
		return nil, err
	}
	board := mm.BoardCents(s.shares)
	prices := make(map[uuid.UUID]int64, len(s.ids))
	for i, id := range s.ids {
		prices[id] = board[i]
	}
	return prices, nil
}

// QuoteBuyCost returns the cost in cents of buying qty shares of an outcome.
func (s Snapshot) QuoteBuyCost(outcomeID uuid.UUID, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, ErrInvalidQuantity
	}
	mm, i, err := s.resolve(outcomeID)
	if err != nil {
		return 0, err
	}
	return mm.BuyCostCents(s.shares, i, qty), nil
}

// QuoteSellPayout returns the payout in cents for selling qty shares of an
// outcome back to the market maker.
func (s Snapshot) QuoteSellPayout(outcomeID uuid.UUID, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, ErrInvalidQuantity
	}
	mm, i, err := s.resolve(outcomeID)
	if err != nil {
		return 0, err
	}
	if qty > s.shares[i] {
		return 0, ErrOversell
	}
	return mm.SellPayoutCents(s.shares, i, qty), nil
}

// WithDelta returns a new snapshot with delta added to an outcome's shares.
// The receiver is left unchanged.
func (s Snapshot) WithDelta(outcomeID uuid.UUID, delta int64) (Snapshot, error) {
	i, err := s.index(outcomeID)
	if err != nil {
		return Snapshot{}, err
	}
	next := Snapshot{b: s.b, ids: s.ids, shares: clone(s.shares)}
	next.shares[i] += delta
	return next, nil
}

// MaxLoss returns the market maker's worst-case subsidy in cents.
func (s Snapshot) MaxLoss() (int64, error) {
	mm, err := s.validate()
	if err != nil {
		return 0, err
	}
	return mm.MaxLoss(len(s.shares)), nil
}
