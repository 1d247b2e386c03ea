package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/outcome-exchange/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions hold the write lock for their whole duration, so they are
// fully serialized; writes are recorded in an undo log and reverted when
// the transaction function fails.
type MemoryStore struct {
	mu sync.RWMutex

	markets        map[uuid.UUID]*model.Market
	marketOrder    []uuid.UUID
	outcomes       map[uuid.UUID]*model.Outcome
	marketOutcomes map[uuid.UUID][]uuid.UUID

	accounts       map[uuid.UUID]*model.Account
	accountsByUser map[string]uuid.UUID

	entries    []model.LedgerEntry
	entryByKey map[string]int

	trades       []model.Trade
	positions    map[positionKey]*model.Position
	fundRequests map[uuid.UUID]*model.FundRequest
	fundOrder    []uuid.UUID

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

type positionKey struct {
	userID    string
	outcomeID uuid.UUID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:        make(map[uuid.UUID]*model.Market),
		outcomes:       make(map[uuid.UUID]*model.Outcome),
		marketOutcomes: make(map[uuid.UUID][]uuid.UUID),
		accounts:       make(map[uuid.UUID]*model.Account),
		accountsByUser: make(map[string]uuid.UUID),
		entryByKey:     make(map[string]int),
		positions:      make(map[positionKey]*model.Position),
		fundRequests:   make(map[uuid.UUID]*model.FundRequest),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithTx runs fn under the store's write lock.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// --- Reader ---

func (s *MemoryStore) GetMarket(_ context.Context, id uuid.UUID) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.market(id, true)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.marketOrder))
	for i := len(s.marketOrder) - 1; i >= 0; i-- {
		markets = append(markets, *s.markets[s.marketOrder[i]])
	}
	return markets, nil
}

func (s *MemoryStore) ListOutcomes(_ context.Context, marketID uuid.UUID) ([]model.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.markets[marketID]; !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, marketID)
	}
	return s.outcomesOf(marketID), nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id uuid.UUID) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, id)
	}
	out := *a
	return &out, nil
}

func (s *MemoryStore) GetAccountByUser(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accountsByUser[userID]
	if !ok {
		return nil, fmt.Errorf("%w: account for user %s", model.ErrNotFound, userID)
	}
	a := *s.accounts[id]
	return &a, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, accountID uuid.UUID, f LedgerFilter) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	skipped := 0
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.AccountID != accountID {
			continue
		}
		if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !e.CreatedAt.Before(f.To) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		result = append(result, e)
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) SumLedgerEntries(_ context.Context, accountID uuid.UUID) (int64, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	var n int
	for _, e := range s.entries {
		if e.AccountID == accountID {
			sum += e.DeltaCents
			n++
		}
	}
	return sum, n, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, f TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.MarketID != uuid.Nil && t.MarketID != f.MarketID {
			continue
		}
		if f.OutcomeID != uuid.Nil && t.OutcomeID != f.OutcomeID {
			continue
		}
		result = append(result, t)
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if k.userID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].OutcomeID.String() < result[j].OutcomeID.String()
	})
	return result, nil
}

func (s *MemoryStore) GetFundRequest(_ context.Context, id uuid.UUID) (*model.FundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fundRequest(id)
}

func (s *MemoryStore) ListFundRequests(_ context.Context, f FundRequestFilter) ([]model.FundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FundRequest
	for i := len(s.fundOrder) - 1; i >= 0; i-- {
		r := s.fundRequests[s.fundOrder[i]]
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		result = append(result, copyFundRequest(r))
	}
	return result, nil
}

// --- Lock-free helpers (caller holds s.mu) ---

func (s *MemoryStore) market(id uuid.UUID, withOutcomes bool) (*model.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
	}
	out := *m
	if withOutcomes {
		out.Outcomes = s.outcomesOf(id)
	}
	return &out, nil
}

func (s *MemoryStore) outcomesOf(marketID uuid.UUID) []model.Outcome {
	ids := s.marketOutcomes[marketID]
	out := make([]model.Outcome, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.outcomes[id])
	}
	return out
}

func (s *MemoryStore) fundRequest(id uuid.UUID) (*model.FundRequest, error) {
	r, ok := s.fundRequests[id]
	if !ok {
		return nil, fmt.Errorf("%w: fund request %s", model.ErrNotFound, id)
	}
	out := copyFundRequest(r)
	return &out, nil
}

func copyFundRequest(r *model.FundRequest) model.FundRequest {
	out := *r
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		out.ProcessedAt = &t
	}
	return out
}

// --- Transaction ---

type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (tx *memTx) onRollback(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) GetMarket(_ context.Context, id uuid.UUID) (*model.Market, error) {
	return tx.s.market(id, true)
}

func (tx *memTx) CreateMarket(_ context.Context, m *model.Market) error {
	s := tx.s
	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s already exists", model.ErrInvalidArgument, m.ID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}

	stored := *m
	stored.Outcomes = nil
	s.markets[m.ID] = &stored
	s.marketOrder = append(s.marketOrder, m.ID)

	outcomes := make([]model.Outcome, len(m.Outcomes))
	copy(outcomes, m.Outcomes)
	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].Position < outcomes[j].Position })

	ids := make([]uuid.UUID, 0, len(outcomes))
	for i := range outcomes {
		o := outcomes[i]
		o.MarketID = m.ID
		s.outcomes[o.ID] = &o
		ids = append(ids, o.ID)
	}
	s.marketOutcomes[m.ID] = ids

	n := len(s.marketOrder) - 1
	tx.onRollback(func() {
		delete(s.markets, m.ID)
		s.marketOrder = s.marketOrder[:n]
		for _, id := range ids {
			delete(s.outcomes, id)
		}
		delete(s.marketOutcomes, m.ID)
	})
	return nil
}

func (tx *memTx) LockOutcomes(_ context.Context, marketID uuid.UUID) ([]model.Outcome, error) {
	if _, ok := tx.s.markets[marketID]; !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, marketID)
	}
	return tx.s.outcomesOf(marketID), nil
}

func (tx *memTx) GetOutcome(_ context.Context, id uuid.UUID) (*model.Outcome, error) {
	o, ok := tx.s.outcomes[id]
	if !ok {
		return nil, fmt.Errorf("%w: outcome %s", model.ErrNotFound, id)
	}
	out := *o
	return &out, nil
}

func (tx *memTx) UpdateOutcomeShares(_ context.Context, outcomeID uuid.UUID, shares int64) error {
	o, ok := tx.s.outcomes[outcomeID]
	if !ok {
		return fmt.Errorf("%w: outcome %s", model.ErrNotFound, outcomeID)
	}
	if shares < 0 {
		return fmt.Errorf("%w: outstanding shares cannot be negative", model.ErrInvalidState)
	}
	prev := o.OutstandingShares
	o.OutstandingShares = shares
	tx.onRollback(func() { o.OutstandingShares = prev })
	return nil
}

func (tx *memTx) GetOrCreateAccount(_ context.Context, userID string) (*model.Account, error) {
	s := tx.s
	if id, ok := s.accountsByUser[userID]; ok {
		a := *s.accounts[id]
		return &a, nil
	}
	now := s.now()
	a := &model.Account{
		ID:        uuid.New(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[a.ID] = a
	s.accountsByUser[userID] = a.ID
	tx.onRollback(func() {
		delete(s.accounts, a.ID)
		delete(s.accountsByUser, userID)
	})
	out := *a
	return &out, nil
}

func (tx *memTx) GetAccount(_ context.Context, id uuid.UUID) (*model.Account, error) {
	a, ok := tx.s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, id)
	}
	out := *a
	return &out, nil
}

func (tx *memTx) UpdateAccountBalance(_ context.Context, id uuid.UUID, balance, expectedVersion int64) (*model.Account, error) {
	a, ok := tx.s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, id)
	}
	if a.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	prev := *a
	a.BalanceCents = balance
	a.Version++
	a.UpdatedAt = tx.s.now()
	tx.onRollback(func() { *a = prev })
	out := *a
	return &out, nil
}

func (tx *memTx) GetLedgerEntryByKey(_ context.Context, key string) (*model.LedgerEntry, error) {
	i, ok := tx.s.entryByKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: ledger entry %q", model.ErrNotFound, key)
	}
	e := tx.s.entries[i]
	return &e, nil
}

func (tx *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	s := tx.s
	if _, ok := s.entryByKey[e.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	n := len(s.entries)
	s.entries = append(s.entries, *e)
	s.entryByKey[e.IdempotencyKey] = n
	tx.onRollback(func() {
		s.entries = s.entries[:n]
		delete(s.entryByKey, e.IdempotencyKey)
	})
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	s := tx.s
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	n := len(s.trades)
	s.trades = append(s.trades, *t)
	tx.onRollback(func() { s.trades = s.trades[:n] })
	return nil
}

func (tx *memTx) GetTrade(_ context.Context, id uuid.UUID) (*model.Trade, error) {
	for i := len(tx.s.trades) - 1; i >= 0; i-- {
		if tx.s.trades[i].ID == id {
			t := tx.s.trades[i]
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: trade %s", model.ErrNotFound, id)
}

func (tx *memTx) GetPosition(_ context.Context, userID string, outcomeID uuid.UUID) (*model.Position, error) {
	p, ok := tx.s.positions[positionKey{userID, outcomeID}]
	if !ok {
		return nil, fmt.Errorf("%w: position %s/%s", model.ErrNotFound, userID, outcomeID)
	}
	out := *p
	return &out, nil
}

func (tx *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	s := tx.s
	k := positionKey{p.UserID, p.OutcomeID}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	prev, existed := s.positions[k]
	stored := *p
	s.positions[k] = &stored
	tx.onRollback(func() {
		if existed {
			s.positions[k] = prev
		} else {
			delete(s.positions, k)
		}
	})
	return nil
}

func (tx *memTx) DeletePosition(_ context.Context, userID string, outcomeID uuid.UUID) error {
	s := tx.s
	k := positionKey{userID, outcomeID}
	prev, ok := s.positions[k]
	if !ok {
		return nil
	}
	delete(s.positions, k)
	tx.onRollback(func() { s.positions[k] = prev })
	return nil
}

func (tx *memTx) InsertFundRequest(_ context.Context, r *model.FundRequest) error {
	s := tx.s
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	stored := copyFundRequest(r)
	s.fundRequests[r.ID] = &stored
	n := len(s.fundOrder)
	s.fundOrder = append(s.fundOrder, r.ID)
	tx.onRollback(func() {
		delete(s.fundRequests, r.ID)
		s.fundOrder = s.fundOrder[:n]
	})
	return nil
}

func (tx *memTx) GetFundRequestForUpdate(_ context.Context, id uuid.UUID) (*model.FundRequest, error) {
	return tx.s.fundRequest(id)
}

func (tx *memTx) UpdateFundRequest(_ context.Context, r *model.FundRequest) error {
	s := tx.s
	cur, ok := s.fundRequests[r.ID]
	if !ok {
		return fmt.Errorf("%w: fund request %s", model.ErrNotFound, r.ID)
	}
	prev := *cur
	next := copyFundRequest(r)
	*cur = next
	tx.onRollback(func() { *cur = prev })
	return nil
}
