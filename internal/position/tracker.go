// Package position maintains users' running holdings per outcome.
//
// Positions are only mutated through a caller's store transaction, so a
// position update commits or rolls back with the trade that caused it.
package position

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/outcome-exchange/internal/lmsr"
	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/store"
)

var (
	// ErrNoPosition is returned when selling an outcome the user does not hold.
	ErrNoPosition = fmt.Errorf("%w: no open position", model.ErrInvalidState)

	// ErrOversell is returned when selling more shares than are held.
	ErrOversell = fmt.Errorf("%w: sell quantity exceeds position", model.ErrInvalidState)
)

// Tracker applies fills to positions and builds portfolio views.
type Tracker struct {
	reader store.Reader
}

// NewTracker returns a tracker whose read-side views are served by r.
func NewTracker(r store.Reader) *Tracker {
	return &Tracker{reader: r}
}

// ApplyBuy adds qty shares bought at priceCents per share to the user's
// position, creating it if needed.
func (t *Tracker) ApplyBuy(ctx context.Context, tx store.Tx, userID string, marketID, outcomeID uuid.UUID, qty, priceCents int64) (*model.Position, error) {
	if err := checkFill(userID, outcomeID, qty, priceCents); err != nil {
		return nil, err
	}

	p, err := tx.GetPosition(ctx, userID, outcomeID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		p = &model.Position{UserID: userID, OutcomeID: outcomeID, MarketID: marketID}
	case err != nil:
		return nil, fmt.Errorf("load position: %w", err)
	}

	p.Quantity += qty
	p.CostBasisCents += qty * priceCents
	if err := tx.UpsertPosition(ctx, p); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}
	return p, nil
}

// ApplySell removes qty shares sold at priceCents per share. The cost basis
// shrinks pro rata, rounded down, and the difference to the proceeds is
// realized. A position sold down to zero is deleted and returned with zero
// quantity.
func (t *Tracker) ApplySell(ctx context.Context, tx store.Tx, userID string, outcomeID uuid.UUID, qty, priceCents int64) (*model.Position, error) {
	if err := checkFill(userID, outcomeID, qty, priceCents); err != nil {
		return nil, err
	}

	p, err := tx.GetPosition(ctx, userID, outcomeID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return nil, ErrNoPosition
	case err != nil:
		return nil, fmt.Errorf("load position: %w", err)
	}
	if p.Quantity <= 0 {
		return nil, ErrNoPosition
	}
	if qty > p.Quantity {
		return nil, fmt.Errorf("%w: holding %d, selling %d", ErrOversell, p.Quantity, qty)
	}

	removed := costRemoved(p.CostBasisCents, qty, p.Quantity)
	p.RealizedPnlCents += qty*priceCents - removed
	p.CostBasisCents -= removed
	p.Quantity -= qty

	if p.Quantity == 0 {
		if err := tx.DeletePosition(ctx, userID, outcomeID); err != nil {
			return nil, fmt.Errorf("close position: %w", err)
		}
		return p, nil
	}
	if err := tx.UpsertPosition(ctx, p); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}
	return p, nil
}

// Held returns the user's quantity in an outcome, 0 if there is no position.
func (t *Tracker) Held(ctx context.Context, tx store.Tx, userID string, outcomeID uuid.UUID) (int64, error) {
	p, err := tx.GetPosition(ctx, userID, outcomeID)
	if errors.Is(err, model.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return p.Quantity, nil
}

// Portfolio returns the user's open positions marked to current spot prices.
func (t *Tracker) Portfolio(ctx context.Context, userID string) ([]model.PositionView, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrInvalidArgument)
	}
	positions, err := t.reader.ListPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	markets := make(map[uuid.UUID]*model.Market)
	views := make([]model.PositionView, 0, len(positions))
	for _, p := range positions {
		m, ok := markets[p.MarketID]
		if !ok {
			m, err = t.reader.GetMarket(ctx, p.MarketID)
			if err != nil {
				return nil, fmt.Errorf("load market %s: %w", p.MarketID, err)
			}
			markets[p.MarketID] = m
		}
		price, err := lmsr.NewSnapshot(m.LiquidityB, m.Outcomes).SpotPriceCents(p.OutcomeID)
		if err != nil {
			return nil, fmt.Errorf("price outcome %s: %w", p.OutcomeID, err)
		}
		views = append(views, View(p, labelOf(m, p.OutcomeID), price))
	}
	return views, nil
}

// View marks a position to priceCents.
func View(p model.Position, label string, priceCents int64) model.PositionView {
	v := model.PositionView{
		MarketID:          p.MarketID,
		OutcomeID:         p.OutcomeID,
		OutcomeLabel:      label,
		Quantity:          p.Quantity,
		CostBasisCents:    p.CostBasisCents,
		CurrentPriceCents: priceCents,
		MarketValueCents:  p.Quantity * priceCents,
		RealizedPnlCents:  p.RealizedPnlCents,
	}
	if p.Quantity > 0 {
		v.AvgBuyPriceCents = p.CostBasisCents / p.Quantity
	}
	v.UnrealizedPnlCents = v.MarketValueCents - p.CostBasisCents
	return v
}

// costRemoved is floor(costBasis*qty/held), computed without int64 overflow.
func costRemoved(costBasis, qty, held int64) int64 {
	q, _ := decimal.NewFromInt(costBasis).
		Mul(decimal.NewFromInt(qty)).
		QuoRem(decimal.NewFromInt(held), 0)
	return q.IntPart()
}

func labelOf(m *model.Market, outcomeID uuid.UUID) string {
	for _, o := range m.Outcomes {
		if o.ID == outcomeID {
			return o.Label
		}
	}
	return ""
}

func checkFill(userID string, outcomeID uuid.UUID, qty, priceCents int64) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return fmt.Errorf("%w: user id is required", model.ErrInvalidArgument)
	case outcomeID == uuid.Nil:
		return fmt.Errorf("%w: outcome id is required", model.ErrInvalidArgument)
	case qty <= 0:
		return fmt.Errorf("%w: quantity must be > 0", model.ErrInvalidArgument)
	case priceCents < 0:
		return fmt.Errorf("%w: price must be >= 0", model.ErrInvalidArgument)
	}
	return nil
}
