package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/outcome-exchange/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets, outcomes and positions. Writes go to the primary store;
// the keys a transaction touched are invalidated after it commits, so a
// rolled-back trade never evicts or poisons the cache.
//
// Every cached key has a generation counter. Invalidation bumps it, and a
// read-through fill only lands if the generation it saw before reading the
// primary is still current, so a slow reader cannot put back a value that a
// commit has already replaced.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{}
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		rec.reset(tx)
		return fn(rec)
	})
	if err != nil {
		return err
	}
	if keys := rec.dirtyKeys(); len(keys) > 0 {
		// Next read will re-populate.
		s.invalidate(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id uuid.UUID) (*model.Market, error) {
	var m model.Market
	key := marketKey(id)
	if s.get(ctx, key, &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	gen := s.generation(ctx, key)
	got, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, gen, got)
	return got, nil
}

func (s *CachedStore) ListOutcomes(ctx context.Context, marketID uuid.UUID) ([]model.Outcome, error) {
	var outcomes []model.Outcome
	key := outcomesKey(marketID)
	if s.get(ctx, key, &outcomes) {
		return outcomes, nil
	}

	gen := s.generation(ctx, key)
	outcomes, err := s.primary.ListOutcomes(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, gen, outcomes)
	return outcomes, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	key := positionsKey(userID)
	if s.get(ctx, key, &positions) {
		return positions, nil
	}

	gen := s.generation(ctx, key)
	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, gen, positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) GetAccountByUser(ctx context.Context, userID string) (*model.Account, error) {
	return s.primary.GetAccountByUser(ctx, userID)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, accountID uuid.UUID, f LedgerFilter) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, accountID, f)
}

func (s *CachedStore) SumLedgerEntries(ctx context.Context, accountID uuid.UUID) (int64, int, error) {
	return s.primary.SumLedgerEntries(ctx, accountID)
}

func (s *CachedStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, f)
}

func (s *CachedStore) GetFundRequest(ctx context.Context, id uuid.UUID) (*model.FundRequest, error) {
	return s.primary.GetFundRequest(ctx, id)
}

func (s *CachedStore) ListFundRequests(ctx context.Context, f FundRequestFilter) ([]model.FundRequest, error) {
	return s.primary.ListFundRequests(ctx, f)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// genTTL keeps a generation counter well past any in-flight fill.
const genTTL = 24 * time.Hour

// fillIfCurrent sets KEYS[1] only while KEYS[2] still holds ARGV[1].
var fillIfCurrent = redis.NewScript(`
if (redis.call("GET", KEYS[2]) or "") ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// generation returns the key's current generation, "" if it was never
// invalidated.
func (s *CachedStore) generation(ctx context.Context, key string) string {
	gen, err := s.rdb.Get(ctx, genKey(key)).Result()
	if err != nil {
		return ""
	}
	return gen
}

// fill caches v under key unless key was invalidated since gen was read.
func (s *CachedStore) fill(ctx context.Context, key, gen string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fillIfCurrent.Run(ctx, s.rdb, []string{key, genKey(key)}, gen, data, s.ttl.Milliseconds())
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	pipe := s.rdb.TxPipeline()
	for _, k := range keys {
		pipe.Incr(ctx, genKey(k))
		pipe.Expire(ctx, genKey(k), genTTL)
	}
	pipe.Del(ctx, keys...)
	pipe.Exec(ctx)
}

func marketKey(id uuid.UUID) string     { return fmt.Sprintf("market:%s", id) }
func outcomesKey(id uuid.UUID) string   { return fmt.Sprintf("outcomes:%s", id) }
func positionsKey(userID string) string { return fmt.Sprintf("positions:%s", userID) }
func genKey(key string) string          { return "gen:" + key }

// recordingTx forwards to the primary transaction and remembers which cache
// keys its writes made stale.
type recordingTx struct {
	Tx

	mu    sync.Mutex
	dirty map[string]struct{}
}

// reset rebinds the recorder to a fresh primary transaction. The primary may
// invoke the callback more than once; only the last attempt commits.
func (r *recordingTx) reset(tx Tx) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tx = tx
	r.dirty = make(map[string]struct{})
}

func (r *recordingTx) touch(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		r.dirty[k] = struct{}{}
	}
}

func (r *recordingTx) dirtyKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.dirty))
	for k := range r.dirty {
		keys = append(keys, k)
	}
	return keys
}

func (r *recordingTx) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := r.Tx.CreateMarket(ctx, m); err != nil {
		return err
	}
	r.touch(marketKey(m.ID), outcomesKey(m.ID))
	return nil
}

// LockOutcomes marks the market dirty; shares only change under this lock.
func (r *recordingTx) LockOutcomes(ctx context.Context, marketID uuid.UUID) ([]model.Outcome, error) {
	outcomes, err := r.Tx.LockOutcomes(ctx, marketID)
	if err != nil {
		return nil, err
	}
	r.touch(marketKey(marketID), outcomesKey(marketID))
	return outcomes, nil
}

func (r *recordingTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := r.Tx.UpsertPosition(ctx, p); err != nil {
		return err
	}
	r.touch(positionsKey(p.UserID))
	return nil
}

func (r *recordingTx) DeletePosition(ctx context.Context, userID string, outcomeID uuid.UUID) error {
	if err := r.Tx.DeletePosition(ctx, userID, outcomeID); err != nil {
		return err
	}
	r.touch(positionsKey(userID))
	return nil
}
