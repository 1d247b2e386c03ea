// Package storetest provides fault-injecting Store wrappers and fixtures
// for service tests.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/store"
)

// ConflictStore fails the first N balance updates with
// store.ErrVersionConflict, as a concurrent writer would.
type ConflictStore struct {
	store.Store
	remaining atomic.Int64
	attempts  atomic.Int64
}

// NewConflictStore wraps s and injects n version conflicts.
func NewConflictStore(s store.Store, n int64) *ConflictStore {
	c := &ConflictStore{Store: s}
	c.remaining.Store(n)
	return c
}

// Attempts returns how many transactions were started.
func (c *ConflictStore) Attempts() int64 {
	return c.attempts.Load()
}

func (c *ConflictStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	c.attempts.Add(1)
	return c.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(&conflictTx{Tx: tx, parent: c})
	})
}

type conflictTx struct {
	store.Tx
	parent *ConflictStore
}

func (t *conflictTx) UpdateAccountBalance(ctx context.Context, id uuid.UUID, balance, expectedVersion int64) (*model.Account, error) {
	if t.parent.remaining.Add(-1) >= 0 {
		return nil, store.ErrVersionConflict
	}
	return t.Tx.UpdateAccountBalance(ctx, id, balance, expectedVersion)
}

// FailingStore fails a named Tx step with Err, after the earlier steps of
// the transaction already wrote.
type FailingStore struct {
	store.Store

	mu   sync.Mutex
	fail map[string]error
}

// Step names understood by FailingStore.
const (
	StepInsertTrade    = "InsertTrade"
	StepUpsertPosition = "UpsertPosition"
	StepUpdateShares   = "UpdateOutcomeShares"
	StepInsertEntry    = "InsertLedgerEntry"
)

// NewFailingStore wraps s with no failures armed.
func NewFailingStore(s store.Store) *FailingStore {
	return &FailingStore{Store: s, fail: make(map[string]error)}
}

// FailOn arms step to return err. A nil err disarms it.
func (f *FailingStore) FailOn(step string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, step)
		return
	}
	f.fail[step] = err
}

func (f *FailingStore) errFor(step string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[step]
}

func (f *FailingStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(&failingTx{Tx: tx, parent: f})
	})
}

type failingTx struct {
	store.Tx
	parent *FailingStore
}

func (t *failingTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	if err := t.parent.errFor(StepInsertTrade); err != nil {
		return err
	}
	return t.Tx.InsertTrade(ctx, tr)
}

func (t *failingTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := t.parent.errFor(StepUpsertPosition); err != nil {
		return err
	}
	return t.Tx.UpsertPosition(ctx, p)
}

func (t *failingTx) UpdateOutcomeShares(ctx context.Context, outcomeID uuid.UUID, shares int64) error {
	if err := t.parent.errFor(StepUpdateShares); err != nil {
		return err
	}
	return t.Tx.UpdateOutcomeShares(ctx, outcomeID, shares)
}

func (t *failingTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	if err := t.parent.errFor(StepInsertEntry); err != nil {
		return err
	}
	return t.Tx.InsertLedgerEntry(ctx, e)
}

// SeedMarket stores a market with the given outcome labels and returns it
// with its outcomes.
func SeedMarket(ctx context.Context, s store.Store, status model.MarketStatus, b int64, labels ...string) (*model.Market, error) {
	m := &model.Market{
		ID:         uuid.New(),
		Title:      "Test market",
		Status:     status,
		LiquidityB: b,
	}
	for i, l := range labels {
		m.Outcomes = append(m.Outcomes, model.Outcome{ID: uuid.New(), MarketID: m.ID, Label: l, Position: i})
	}
	if err := s.WithTx(ctx, func(tx store.Tx) error { return tx.CreateMarket(ctx, m) }); err != nil {
		return nil, err
	}
	return s.GetMarket(ctx, m.ID)
}
