package trade

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/store"
)

// MaxListLimit caps trade queries.
const MaxListLimit = 500

// UserTrades returns a user's trades, newest first. A non-nil marketID
// narrows them to one market.
func (e *Executor) UserTrades(ctx context.Context, userID string, marketID uuid.UUID, limit int) ([]model.Trade, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrInvalidArgument)
	}
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	return e.store.ListTrades(ctx, store.TradeFilter{UserID: userID, MarketID: marketID, Limit: limit})
}

// MarketTrades returns a market's trades, newest first. A non-nil outcomeID
// narrows them to one outcome.
func (e *Executor) MarketTrades(ctx context.Context, marketID, outcomeID uuid.UUID, limit int) ([]model.Trade, error) {
	if marketID == uuid.Nil {
		return nil, fmt.Errorf("%w: market id is required", model.ErrInvalidArgument)
	}
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return e.store.ListTrades(ctx, store.TradeFilter{MarketID: marketID, OutcomeID: outcomeID, Limit: limit})
}

func clampLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("%w: limit must be >= 0", model.ErrInvalidArgument)
	case limit == 0 || limit > MaxListLimit:
		return MaxListLimit, nil
	}
	return limit, nil
}
