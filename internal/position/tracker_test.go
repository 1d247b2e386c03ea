package position_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/position"
	"github.com/atmx/outcome-exchange/internal/store"
	"github.com/atmx/outcome-exchange/internal/store/storetest"
)

type fixture struct {
	ctx     context.Context
	store   *store.MemoryStore
	tracker *position.Tracker
	market  *model.Market
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	m, err := storetest.SeedMarket(ctx, s, model.MarketActive, 100, "Yes", "No")
	require.NoError(t, err)
	return &fixture{ctx: ctx, store: s, tracker: position.NewTracker(s), market: m}
}

func (f *fixture) buy(t *testing.T, user string, qty, price int64) *model.Position {
	t.Helper()
	var p *model.Position
	err := f.store.WithTx(f.ctx, func(tx store.Tx) error {
		var err error
		p, err = f.tracker.ApplyBuy(f.ctx, tx, user, f.market.ID, f.market.Outcomes[0].ID, qty, price)
		return err
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) sell(user string, qty, price int64) (*model.Position, error) {
	var p *model.Position
	err := f.store.WithTx(f.ctx, func(tx store.Tx) error {
		var err error
		p, err = f.tracker.ApplySell(f.ctx, tx, user, f.market.Outcomes[0].ID, qty, price)
		return err
	})
	return p, err
}

func TestApplyBuy_Accumulates(t *testing.T) {
	f := newFixture(t)

	p := f.buy(t, "alice", 10, 51)
	assert.Equal(t, int64(10), p.Quantity)
	assert.Equal(t, int64(510), p.CostBasisCents)

	p = f.buy(t, "alice", 5, 60)
	assert.Equal(t, int64(15), p.Quantity)
	assert.Equal(t, int64(810), p.CostBasisCents)
	assert.Equal(t, int64(0), p.RealizedPnlCents)
	assert.Equal(t, f.market.ID, p.MarketID)
}

func TestApplySell_RealizesPnl(t *testing.T) {
	f := newFixture(t)
	f.buy(t, "alice", 3, 50) // cost basis 150

	p, err := f.sell("alice", 1, 70)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Quantity)
	assert.Equal(t, int64(100), p.CostBasisCents) // floor(150*1/3) = 50 removed
	assert.Equal(t, int64(20), p.RealizedPnlCents)
}

func TestApplySell_FloorsCostRemoved(t *testing.T) {
	f := newFixture(t)
	f.buy(t, "alice", 3, 33) // cost basis 99
	f.buy(t, "alice", 1, 1)  // 4 shares, cost basis 100

	p, err := f.sell("alice", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(75), p.CostBasisCents, "floor(100*1/4) = 25 removed")
	assert.Equal(t, int64(-25), p.RealizedPnlCents)

	p, err = f.sell("alice", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(25), p.CostBasisCents, "floor(75*2/3) = 50 removed")
}

func TestApplySell_ClosesPosition(t *testing.T) {
	f := newFixture(t)
	f.buy(t, "alice", 4, 50)

	p, err := f.sell("alice", 4, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Quantity)
	assert.Equal(t, int64(0), p.CostBasisCents)
	assert.Equal(t, int64(40), p.RealizedPnlCents)

	positions, err := f.store.ListPositions(f.ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, positions, "closed positions are never listed")

	_, err = f.sell("alice", 1, 60)
	assert.ErrorIs(t, err, position.ErrNoPosition)
}

func TestApplySell_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.sell("alice", 1, 50)
	assert.ErrorIs(t, err, position.ErrNoPosition)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	f.buy(t, "alice", 2, 50)
	_, err = f.sell("alice", 3, 50)
	assert.ErrorIs(t, err, position.ErrOversell)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	_, err = f.sell("alice", 0, 50)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = f.sell("alice", 1, -1)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = f.sell("", 1, 50)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestApplyBuy_RollsBackWithTx(t *testing.T) {
	f := newFixture(t)
	boom := assert.AnError

	err := f.store.WithTx(f.ctx, func(tx store.Tx) error {
		if _, err := f.tracker.ApplyBuy(f.ctx, tx, "alice", f.market.ID, f.market.Outcomes[0].ID, 5, 50); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	positions, err := f.store.ListPositions(f.ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPortfolio_MarksToSpot(t *testing.T) {
	f := newFixture(t)
	f.buy(t, "alice", 10, 40)

	views, err := f.tracker.Portfolio(f.ctx, "alice")
	require.NoError(t, err)
	require.Len(t, views, 1)

	v := views[0]
	assert.Equal(t, "Yes", v.OutcomeLabel)
	assert.Equal(t, int64(50), v.CurrentPriceCents, "seeded shares are zero, so prices are even")
	assert.Equal(t, int64(500), v.MarketValueCents)
	assert.Equal(t, int64(40), v.AvgBuyPriceCents)
	assert.Equal(t, int64(100), v.UnrealizedPnlCents)

	_, err = f.tracker.Portfolio(f.ctx, "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestView_AveragePriceFloors(t *testing.T) {
	v := position.View(model.Position{OutcomeID: uuid.New(), Quantity: 3, CostBasisCents: 100}, "Yes", 30)
	assert.Equal(t, int64(33), v.AvgBuyPriceCents)
	assert.Equal(t, int64(90), v.MarketValueCents)
	assert.Equal(t, int64(-10), v.UnrealizedPnlCents)
}
