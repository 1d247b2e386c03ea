// Package store defines the persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/outcome-exchange/internal/model"
)

// Retryable signals. They never leave the ledger and trade retry loops.
var (
	// ErrVersionConflict is returned when an account's version moved between
	// read and update.
	ErrVersionConflict = errors.New("store: account version conflict")

	// ErrDuplicateKey is returned when a ledger entry's idempotency key was
	// inserted concurrently by another transaction.
	ErrDuplicateKey = errors.New("store: duplicate idempotency key")
)

// Retryable reports whether err is a concurrency signal worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrDuplicateKey)
}

// LedgerFilter narrows an account's ledger history. Zero values disable a
// bound; entries are returned newest first.
type LedgerFilter struct {
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// TradeFilter narrows trade queries. Zero values match everything.
type TradeFilter struct {
	UserID    string
	MarketID  uuid.UUID
	OutcomeID uuid.UUID
	Limit     int
}

// FundRequestFilter narrows fund request queries.
type FundRequestFilter struct {
	UserID string
	Status model.FundRequestStatus
}

// Reader holds the read-only queries served outside a transaction.
type Reader interface {
	// GetMarket returns a market with its outcomes in ordinal order.
	GetMarket(ctx context.Context, id uuid.UUID) (*model.Market, error)

	// ListMarkets returns all markets, newest first, without outcomes.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListOutcomes returns a market's outcomes in ordinal order.
	ListOutcomes(ctx context.Context, marketID uuid.UUID) ([]model.Outcome, error)

	GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error)
	GetAccountByUser(ctx context.Context, userID string) (*model.Account, error)
	ListLedgerEntries(ctx context.Context, accountID uuid.UUID, f LedgerFilter) ([]model.LedgerEntry, error)

	// SumLedgerEntries returns the signed sum and count of an account's entries.
	SumLedgerEntries(ctx context.Context, accountID uuid.UUID) (int64, int, error)

	ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error)
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)
	GetFundRequest(ctx context.Context, id uuid.UUID) (*model.FundRequest, error)
	ListFundRequests(ctx context.Context, f FundRequestFilter) ([]model.FundRequest, error)
}

// Tx is the unit of work. Everything written through a Tx commits or rolls
// back together.
type Tx interface {
	// --- Markets ---

	GetMarket(ctx context.Context, id uuid.UUID) (*model.Market, error)

	// CreateMarket persists a market and its outcomes.
	CreateMarket(ctx context.Context, m *model.Market) error

	// LockOutcomes returns a market's outcomes in ordinal order and holds a
	// row lock on each until the transaction ends.
	LockOutcomes(ctx context.Context, marketID uuid.UUID) ([]model.Outcome, error)

	// GetOutcome returns one outcome of any market, or ErrNotFound.
	GetOutcome(ctx context.Context, id uuid.UUID) (*model.Outcome, error)

	UpdateOutcomeShares(ctx context.Context, outcomeID uuid.UUID, shares int64) error

	// --- Accounts and ledger ---

	// GetOrCreateAccount returns the user's account, creating an empty one
	// on first use.
	GetOrCreateAccount(ctx context.Context, userID string) (*model.Account, error)

	GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error)

	// UpdateAccountBalance sets the cached balance if the account is still
	// at expectedVersion and bumps the version. Returns ErrVersionConflict
	// otherwise.
	UpdateAccountBalance(ctx context.Context, id uuid.UUID, balance, expectedVersion int64) (*model.Account, error)

	GetLedgerEntryByKey(ctx context.Context, key string) (*model.LedgerEntry, error)

	// InsertLedgerEntry appends an immutable entry. Returns ErrDuplicateKey
	// if the idempotency key already exists.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	// --- Trades and positions ---

	InsertTrade(ctx context.Context, t *model.Trade) error
	GetTrade(ctx context.Context, id uuid.UUID) (*model.Trade, error)
	GetPosition(ctx context.Context, userID string, outcomeID uuid.UUID) (*model.Position, error)
	UpsertPosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, userID string, outcomeID uuid.UUID) error

	// --- Fund requests ---

	InsertFundRequest(ctx context.Context, r *model.FundRequest) error
	GetFundRequestForUpdate(ctx context.Context, id uuid.UUID) (*model.FundRequest, error)
	UpdateFundRequest(ctx context.Context, r *model.FundRequest) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// WithTx runs fn in a transaction. A nil return commits; any error
	// rolls back and is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
