package pricing_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/pricing"
	"github.com/atmx/outcome-exchange/internal/store"
	"github.com/atmx/outcome-exchange/internal/store/storetest"
)

func newService(t *testing.T) (*pricing.Service, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return pricing.NewService(s, 0, zaptest.NewLogger(t)), s
}

func TestCreateMarket(t *testing.T) {
	ctx := context.Background()
	svc, s := newService(t)

	m, err := svc.CreateMarket(ctx, pricing.CreateMarketInput{
		Title:    " Will it rain? ",
		Outcomes: []string{"Yes", "No", "Maybe"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Will it rain?", m.Title)
	assert.Equal(t, model.MarketActive, m.Status)
	assert.Equal(t, int64(pricing.DefaultLiquidityB), m.LiquidityB)

	stored, err := s.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, stored.Outcomes, 3)
	for i, o := range stored.Outcomes {
		assert.Equal(t, i, o.Position)
		assert.Equal(t, int64(0), o.OutstandingShares)
	}
	assert.Equal(t, "Maybe", stored.Outcomes[2].Label)
}

func TestCreateMarket_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	tests := []struct {
		name string
		in   pricing.CreateMarketInput
	}{
		{"missing title", pricing.CreateMarketInput{Outcomes: []string{"A", "B"}}},
		{"one outcome", pricing.CreateMarketInput{Title: "t", Outcomes: []string{"A"}}},
		{"blank label", pricing.CreateMarketInput{Title: "t", Outcomes: []string{"A", " "}}},
		{"duplicate label", pricing.CreateMarketInput{Title: "t", Outcomes: []string{"Yes", "yes"}}},
		{"bad liquidity", pricing.CreateMarketInput{Title: "t", LiquidityB: -3, Outcomes: []string{"A", "B"}}},
		{"bad status", pricing.CreateMarketInput{Title: "t", Status: "OPEN", Outcomes: []string{"A", "B"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateMarket(ctx, tt.in)
			assert.ErrorIs(t, err, model.ErrInvalidArgument)
		})
	}
}

func TestSpotPrices_EvenAtStart(t *testing.T) {
	ctx := context.Background()
	svc, s := newService(t)
	m, err := storetest.SeedMarket(ctx, s, model.MarketActive, 100, "Yes", "No")
	require.NoError(t, err)

	board, err := svc.SpotPrices(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, "Yes", board[0].Label)
	assert.Equal(t, int64(50), board[0].PriceCents)
	assert.Equal(t, int64(50), board[1].PriceCents)

	p, err := svc.SpotPriceCents(ctx, m.ID, m.Outcomes[1].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), p)
}

func TestSpotPrices_ManyOutcomesSumToHundred(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	labels := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	m, err := svc.CreateMarket(ctx, pricing.CreateMarketInput{Title: "Eight way", Outcomes: labels})
	require.NoError(t, err)

	board, err := svc.SpotPrices(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, board, len(labels))
	var sum int64
	for _, row := range board {
		assert.Contains(t, []int64{12, 13}, row.PriceCents)
		sum += row.PriceCents
	}
	assert.Equal(t, int64(100), sum)
}

func TestQuotes(t *testing.T) {
	ctx := context.Background()
	svc, s := newService(t)
	m, err := storetest.SeedMarket(ctx, s, model.MarketActive, 100, "Yes", "No")
	require.NoError(t, err)
	yes := m.Outcomes[0].ID

	q, err := svc.QuoteBuyCost(ctx, m.ID, yes, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(512), q.TotalAmountCents)
	assert.Equal(t, int64(51), q.PricePerShareCents)
	assert.Equal(t, int64(50), q.SpotPriceCents)
	assert.Equal(t, model.Buy, q.Side)

	// No shares are outstanding, so nothing can be sold back.
	_, err = svc.QuoteSellPayout(ctx, m.ID, yes, 1)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	// Quoting never mutates the stored market.
	stored, err := s.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Outcomes[0].OutstandingShares)
}

func TestQuoteSellPayout_AfterShares(t *testing.T) {
	ctx := context.Background()
	svc, s := newService(t)
	m, err := storetest.SeedMarket(ctx, s, model.MarketActive, 100, "Yes", "No")
	require.NoError(t, err)
	yes := m.Outcomes[0].ID
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpdateOutcomeShares(ctx, yes, 10)
	}))

	q, err := svc.QuoteSellPayout(ctx, m.ID, yes, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(512), q.TotalAmountCents, "selling back reverses the buy")
	assert.Equal(t, model.Sell, q.Side)

	_, err = svc.QuoteSellPayout(ctx, m.ID, yes, 11)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestPricing_Errors(t *testing.T) {
	ctx := context.Background()
	svc, s := newService(t)
	m, err := storetest.SeedMarket(ctx, s, model.MarketActive, 100, "Yes", "No")
	require.NoError(t, err)

	_, err = svc.SpotPriceCents(ctx, uuid.New(), m.Outcomes[0].ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.SpotPriceCents(ctx, m.ID, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.QuoteBuyCost(ctx, m.ID, m.Outcomes[0].ID, 0)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = svc.GetMarket(ctx, uuid.Nil)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	single, err := storetest.SeedMarket(ctx, s, model.MarketActive, 100, "Only")
	require.NoError(t, err)
	_, err = svc.SpotPrices(ctx, single.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestMaxLoss(t *testing.T) {
	ctx := context.Background()
	svc, s := newService(t)
	m, err := storetest.SeedMarket(ctx, s, model.MarketActive, 100, "Yes", "No")
	require.NoError(t, err)

	loss, err := svc.MaxLoss(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6931), loss)
}

func TestListMarkets_FilterByStatus(t *testing.T) {
	ctx := context.Background()
	svc, s := newService(t)
	_, err := storetest.SeedMarket(ctx, s, model.MarketActive, 100, "A", "B")
	require.NoError(t, err)
	_, err = storetest.SeedMarket(ctx, s, model.MarketClosed, 100, "A", "B")
	require.NoError(t, err)

	all, err := svc.ListMarkets(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	closed, err := svc.ListMarkets(ctx, model.MarketClosed)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, model.MarketClosed, closed[0].Status)

	_, err = svc.ListMarkets(ctx, "BOGUS")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
