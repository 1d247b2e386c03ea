package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/outcome-exchange/internal/model"
)

//go:embed schema.sql
var schema string

// PostgreSQL error codes mapped onto store signals.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Money is stored as BIGINT cents.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx begins a READ COMMITTED transaction. Outcome rows are locked
// explicitly by LockOutcomes; account updates are versioned.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// mapErr turns driver errors into store signals and model kinds.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", model.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrVersionConflict, pgErr.Message)
		}
	}
	return err
}

// --- Reader ---

const marketColumns = `id, title, description, category, status, start_date, end_date,
	resolution_source, creator_id, liquidity_b, created_at`

const outcomeColumns = `id, market_id, label, position, outstanding_shares`

const accountColumns = `id, user_id, balance_cents, version, created_at, updated_at`

const entryColumns = `id, account_id, delta_cents, balance_after_cents, idempotency_key,
	ref_id, status, created_at`

const tradeColumns = `id, user_id, market_id, outcome_id, side, quantity,
	price_per_share_cents, total_amount_cents, idempotency_key, created_at`

const positionColumns = `user_id, outcome_id, market_id, quantity, cost_basis_cents,
	realized_pnl_cents, created_at, updated_at`

const fundRequestColumns = `id, account_id, user_id, amount_cents, reason, status,
	created_at, processed_at, processed_by`

func (s *PostgresStore) GetMarket(ctx context.Context, id uuid.UUID) (*model.Market, error) {
	return getMarket(ctx, s.pool, id, "")
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, marketID uuid.UUID) ([]model.Outcome, error) {
	outcomes, err := listOutcomes(ctx, s.pool, marketID, "")
	if err != nil {
		return nil, err
	}
	if len(outcomes) == 0 {
		if _, err := getMarket(ctx, s.pool, marketID, ""); err != nil {
			return nil, err
		}
	}
	return outcomes, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *PostgresStore) GetAccountByUser(ctx context.Context, userID string) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, accountID uuid.UUID, f LedgerFilter) ([]model.LedgerEntry, error) {
	where := []string{"account_id = $1"}
	args := []any{accountID}
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	q := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, seq DESC`
	q, args = paginate(q, args, f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) SumLedgerEntries(ctx context.Context, accountID uuid.UUID) (int64, int, error) {
	var sum int64
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta_cents), 0), COUNT(*) FROM ledger_entries WHERE account_id = $1`,
		accountID).Scan(&sum, &n)
	return sum, n, err
}

func (s *PostgresStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.MarketID != uuid.Nil {
		args = append(args, f.MarketID)
		where = append(where, fmt.Sprintf("market_id = $%d", len(args)))
	}
	if f.OutcomeID != uuid.Nil {
		args = append(args, f.OutcomeID)
		where = append(where, fmt.Sprintf("outcome_id = $%d", len(args)))
	}
	q := `SELECT ` + tradeColumns + ` FROM trades`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id`
	q, args = paginate(q, args, f.Limit, 0)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY created_at, outcome_id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetFundRequest(ctx context.Context, id uuid.UUID) (*model.FundRequest, error) {
	return scanFundRequest(s.pool.QueryRow(ctx,
		`SELECT `+fundRequestColumns+` FROM fund_requests WHERE id = $1`, id))
}

func (s *PostgresStore) ListFundRequests(ctx context.Context, f FundRequestFilter) ([]model.FundRequest, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + fundRequestColumns + ` FROM fund_requests`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []model.FundRequest
	for rows.Next() {
		r, err := scanFundRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}

// --- Transaction ---

type pgTx struct {
	q querier
}

func (tx *pgTx) GetMarket(ctx context.Context, id uuid.UUID) (*model.Market, error) {
	return getMarket(ctx, tx.q, id, "")
}

func (tx *pgTx) CreateMarket(ctx context.Context, m *model.Market) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := tx.q.Exec(ctx,
		`INSERT INTO markets (`+marketColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.Title, m.Description, m.Category, string(m.Status), m.StartDate, m.EndDate,
		m.ResolutionSource, m.CreatorID, m.LiquidityB, m.CreatedAt,
	)
	if err != nil {
		return mapErr(fmt.Errorf("insert market %s: %w", m.ID, err))
	}
	for _, o := range m.Outcomes {
		_, err := tx.q.Exec(ctx,
			`INSERT INTO outcomes (`+outcomeColumns+`) VALUES ($1, $2, $3, $4, $5)`,
			o.ID, m.ID, o.Label, o.Position, o.OutstandingShares,
		)
		if err != nil {
			return mapErr(fmt.Errorf("insert outcome %q: %w", o.Label, err))
		}
	}
	return nil
}

func (tx *pgTx) LockOutcomes(ctx context.Context, marketID uuid.UUID) ([]model.Outcome, error) {
	outcomes, err := listOutcomes(ctx, tx.q, marketID, " FOR UPDATE")
	if err != nil {
		return nil, err
	}
	if len(outcomes) == 0 {
		if _, err := getMarket(ctx, tx.q, marketID, ""); err != nil {
			return nil, err
		}
	}
	return outcomes, nil
}

func (tx *pgTx) GetOutcome(ctx context.Context, id uuid.UUID) (*model.Outcome, error) {
	var o model.Outcome
	err := tx.q.QueryRow(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE id = $1`, id).
		Scan(&o.ID, &o.MarketID, &o.Label, &o.Position, &o.OutstandingShares)
	if err != nil {
		return nil, mapErr(err)
	}
	return &o, nil
}

func (tx *pgTx) UpdateOutcomeShares(ctx context.Context, outcomeID uuid.UUID, shares int64) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE outcomes SET outstanding_shares = $2 WHERE id = $1`, outcomeID, shares)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: outcome %s", model.ErrNotFound, outcomeID)
	}
	return nil
}

func (tx *pgTx) GetOrCreateAccount(ctx context.Context, userID string) (*model.Account, error) {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO accounts (id, user_id) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		uuid.New(), userID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("create account for %s: %w", userID, err))
	}
	return scanAccount(tx.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
}

func (tx *pgTx) GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	return scanAccount(tx.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (tx *pgTx) UpdateAccountBalance(ctx context.Context, id uuid.UUID, balance, expectedVersion int64) (*model.Account, error) {
	a, err := scanAccount(tx.q.QueryRow(ctx,
		`UPDATE accounts
		 SET balance_cents = $2, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $3
		 RETURNING `+accountColumns,
		id, balance, expectedVersion))
	if errors.Is(err, model.ErrNotFound) {
		return nil, ErrVersionConflict
	}
	return a, err
}

func (tx *pgTx) GetLedgerEntryByKey(ctx context.Context, key string) (*model.LedgerEntry, error) {
	return scanEntry(tx.q.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key))
}

func (tx *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	err := tx.q.QueryRow(ctx,
		`INSERT INTO ledger_entries (id, account_id, delta_cents, balance_after_cents,
		                             idempotency_key, ref_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		e.ID, e.AccountID, e.DeltaCents, e.BalanceAfterCents,
		e.IdempotencyKey, e.RefID, string(e.Status),
	).Scan(&e.CreatedAt)
	return mapErr(err)
}

func (tx *pgTx) InsertTrade(ctx context.Context, t *model.Trade) error {
	err := tx.q.QueryRow(ctx,
		`INSERT INTO trades (id, user_id, market_id, outcome_id, side, quantity,
		                     price_per_share_cents, total_amount_cents, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at`,
		t.ID, t.UserID, t.MarketID, t.OutcomeID, string(t.Side), t.Quantity,
		t.PricePerShareCents, t.TotalAmountCents, t.IdempotencyKey,
	).Scan(&t.CreatedAt)
	return mapErr(err)
}

func (tx *pgTx) GetTrade(ctx context.Context, id uuid.UUID) (*model.Trade, error) {
	return scanTrade(tx.q.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
}

func (tx *pgTx) GetPosition(ctx context.Context, userID string, outcomeID uuid.UUID) (*model.Position, error) {
	return scanPosition(tx.q.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND outcome_id = $2 FOR UPDATE`,
		userID, outcomeID))
}

func (tx *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	err := tx.q.QueryRow(ctx,
		`INSERT INTO positions (user_id, outcome_id, market_id, quantity, cost_basis_cents, realized_pnl_cents)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, outcome_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     cost_basis_cents = EXCLUDED.cost_basis_cents,
		     realized_pnl_cents = EXCLUDED.realized_pnl_cents,
		     updated_at = now()
		 RETURNING created_at, updated_at`,
		p.UserID, p.OutcomeID, p.MarketID, p.Quantity, p.CostBasisCents, p.RealizedPnlCents,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return mapErr(err)
}

func (tx *pgTx) DeletePosition(ctx context.Context, userID string, outcomeID uuid.UUID) error {
	_, err := tx.q.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND outcome_id = $2`, userID, outcomeID)
	return mapErr(err)
}

func (tx *pgTx) InsertFundRequest(ctx context.Context, r *model.FundRequest) error {
	err := tx.q.QueryRow(ctx,
		`INSERT INTO fund_requests (id, account_id, user_id, amount_cents, reason, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		r.ID, r.AccountID, r.UserID, r.AmountCents, r.Reason, string(r.Status),
	).Scan(&r.CreatedAt)
	return mapErr(err)
}

func (tx *pgTx) GetFundRequestForUpdate(ctx context.Context, id uuid.UUID) (*model.FundRequest, error) {
	return scanFundRequest(tx.q.QueryRow(ctx,
		`SELECT `+fundRequestColumns+` FROM fund_requests WHERE id = $1 FOR UPDATE`, id))
}

func (tx *pgTx) UpdateFundRequest(ctx context.Context, r *model.FundRequest) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE fund_requests SET status = $2, processed_at = $3, processed_by = $4 WHERE id = $1`,
		r.ID, string(r.Status), r.ProcessedAt, r.ProcessedBy)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: fund request %s", model.ErrNotFound, r.ID)
	}
	return nil
}

// --- Shared queries and scanners ---

func getMarket(ctx context.Context, q querier, id uuid.UUID, lock string) (*model.Market, error) {
	m, err := scanMarket(q.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`+lock, id))
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	m.Outcomes, err = listOutcomes(ctx, q, id, "")
	if err != nil {
		return nil, err
	}
	return m, nil
}

func listOutcomes(ctx context.Context, q querier, marketID uuid.UUID, lock string) ([]model.Outcome, error) {
	rows, err := q.Query(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE market_id = $1 ORDER BY position, id`+lock,
		marketID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		var o model.Outcome
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Label, &o.Position, &o.OutstandingShares); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, mapErr(rows.Err())
}

func paginate(q string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return q, args
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var status string
	err := row.Scan(&m.ID, &m.Title, &m.Description, &m.Category, &status,
		&m.StartDate, &m.EndDate, &m.ResolutionSource, &m.CreatorID, &m.LiquidityB, &m.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	m.Status = model.MarketStatus(status)
	return &m, nil
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	if err := row.Scan(&a.ID, &a.UserID, &a.BalanceCents, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func scanEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var status string
	err := row.Scan(&e.ID, &e.AccountID, &e.DeltaCents, &e.BalanceAfterCents,
		&e.IdempotencyKey, &e.RefID, &status, &e.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	e.Status = model.EntryStatus(status)
	return &e, nil
}

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var side string
	err := row.Scan(&t.ID, &t.UserID, &t.MarketID, &t.OutcomeID, &side, &t.Quantity,
		&t.PricePerShareCents, &t.TotalAmountCents, &t.IdempotencyKey, &t.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	t.Side = model.Side(side)
	return &t, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	err := row.Scan(&p.UserID, &p.OutcomeID, &p.MarketID, &p.Quantity, &p.CostBasisCents,
		&p.RealizedPnlCents, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func scanFundRequest(row pgx.Row) (*model.FundRequest, error) {
	var r model.FundRequest
	var status string
	err := row.Scan(&r.ID, &r.AccountID, &r.UserID, &r.AmountCents, &r.Reason, &status,
		&r.CreatedAt, &r.ProcessedAt, &r.ProcessedBy)
	if err != nil {
		return nil, mapErr(err)
	}
	r.Status = model.FundRequestStatus(status)
	return &r, nil
}
