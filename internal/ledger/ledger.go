// Package ledger moves money between wallets through an append-only,
// idempotent ledger.
//
// Each mutation is one immutable entry plus an update of the account's
// cached balance, written in the same transaction. Idempotency keys make
// retries safe: replaying a key with the same intent returns the original
// entry, reusing it for anything else is a DuplicateOperation error.
// Concurrent writers are detected with the account version and retried.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/outcome-exchange/internal/metrics"
	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/store"
)

// Validation errors.
var (
	ErrInvalidAmount   = fmt.Errorf("%w: amount must be > 0", model.ErrInvalidArgument)
	ErrMissingKey      = fmt.Errorf("%w: idempotency key is required", model.ErrInvalidArgument)
	ErrMalformedKey    = fmt.Errorf("%w: idempotency key is too long", model.ErrInvalidArgument)
	ErrMissingAccount  = fmt.Errorf("%w: account id is required", model.ErrInvalidArgument)
	ErrSelfTransfer    = fmt.Errorf("%w: cannot transfer to the same account", model.ErrInvalidArgument)
	ErrBalanceOverflow = fmt.Errorf("%w: credit would overflow the balance", model.ErrInvalidArgument)
)

// MaxKeyLength bounds idempotency keys, suffixes included.
const MaxKeyLength = 255

// Transfer leg key suffixes.
const (
	debitSuffix  = ":DEBIT"
	creditSuffix = ":CREDIT"
)

// Service is the wallet ledger.
type Service struct {
	store store.Store
	retry Retrier
	log   *zap.Logger
}

// NewService returns a ledger over s. Standalone operations retry version
// conflicts with retry.
func NewService(s store.Store, retry Retrier, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: s, retry: retry, log: log}
}

// Retrier returns the retry policy, so callers composing their own
// transactions over *Tx methods can reuse it.
func (s *Service) Retrier() Retrier {
	return s.retry
}

// Account returns the user's wallet, creating an empty one on first use.
func (s *Service) Account(ctx context.Context, userID string) (*model.Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrInvalidArgument)
	}
	var acct *model.Account
	err := s.retry.Do(ctx, func() error {
		return s.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			acct, err = tx.GetOrCreateAccount(ctx, userID)
			return err
		})
	})
	return acct, err
}

// Credit adds amount cents to the account.
func (s *Service) Credit(ctx context.Context, accountID uuid.UUID, amount int64, key, refID string) (*model.LedgerEntry, error) {
	return s.standalone(ctx, func(tx store.Tx) (*model.LedgerEntry, error) {
		return s.CreditTx(ctx, tx, accountID, amount, key, refID)
	})
}

// Debit removes amount cents from the account. Fails with
// model.ErrInsufficientFunds if the balance would go negative.
func (s *Service) Debit(ctx context.Context, accountID uuid.UUID, amount int64, key, refID string) (*model.LedgerEntry, error) {
	return s.standalone(ctx, func(tx store.Tx) (*model.LedgerEntry, error) {
		return s.DebitTx(ctx, tx, accountID, amount, key, refID)
	})
}

// Transfer moves amount cents between two accounts atomically. The legs are
// keyed key:DEBIT and key:CREDIT.
func (s *Service) Transfer(ctx context.Context, from, to uuid.UUID, amount int64, key, refID string) (debit, credit *model.LedgerEntry, err error) {
	err = s.retry.Do(ctx, func() error {
		return s.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			debit, credit, err = s.TransferTx(ctx, tx, from, to, amount, key, refID)
			return err
		})
	})
	if err != nil {
		return nil, nil, err
	}
	metrics.LedgerEntries.WithLabelValues(string(model.Debit)).Inc()
	metrics.LedgerEntries.WithLabelValues(string(model.Credit)).Inc()
	s.log.Info("transfer applied",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int64("amount_cents", amount),
		zap.String("idempotency_key", key),
	)
	return debit, credit, nil
}

// CreditTx is Credit inside the caller's transaction. Version conflicts are
// returned to the caller, who owns the retry.
func (s *Service) CreditTx(ctx context.Context, tx store.Tx, accountID uuid.UUID, amount int64, key, refID string) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.apply(ctx, tx, accountID, amount, key, refID)
}

// DebitTx is Debit inside the caller's transaction.
func (s *Service) DebitTx(ctx context.Context, tx store.Tx, accountID uuid.UUID, amount int64, key, refID string) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.apply(ctx, tx, accountID, -amount, key, refID)
}

// TransferTx is Transfer inside the caller's transaction. Accounts are
// updated in ascending id order so concurrent transfers cannot deadlock.
func (s *Service) TransferTx(ctx context.Context, tx store.Tx, from, to uuid.UUID, amount int64, key, refID string) (debit, credit *model.LedgerEntry, err error) {
	if from == to {
		return nil, nil, ErrSelfTransfer
	}
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if key == "" {
		return nil, nil, ErrMissingKey
	}

	doDebit := func() error {
		debit, err = s.apply(ctx, tx, from, -amount, key+debitSuffix, refID)
		return err
	}
	doCredit := func() error {
		credit, err = s.apply(ctx, tx, to, amount, key+creditSuffix, refID)
		return err
	}

	first, second := doDebit, doCredit
	if bytes.Compare(to[:], from[:]) < 0 {
		first, second = doCredit, doDebit
	}
	if err := first(); err != nil {
		return nil, nil, err
	}
	if err := second(); err != nil {
		return nil, nil, err
	}
	return debit, credit, nil
}

// History returns the account's entries, newest first.
func (s *Service) History(ctx context.Context, accountID uuid.UUID, f store.LedgerFilter) ([]model.LedgerEntry, error) {
	if accountID == uuid.Nil {
		return nil, ErrMissingAccount
	}
	if f.Limit < 0 || f.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must be >= 0", model.ErrInvalidArgument)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, fmt.Errorf("%w: range end before start", model.ErrInvalidArgument)
	}
	return s.store.ListLedgerEntries(ctx, accountID, f)
}

// Reconcile recomputes the account balance from its entries and compares it
// with the cached balance.
func (s *Service) Reconcile(ctx context.Context, accountID uuid.UUID) (*model.Reconciliation, error) {
	if accountID == uuid.Nil {
		return nil, ErrMissingAccount
	}
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sum, n, err := s.store.SumLedgerEntries(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("sum ledger entries: %w", err)
	}
	rec := &model.Reconciliation{
		AccountID:   accountID,
		CachedCents: acct.BalanceCents,
		LedgerCents: sum,
		EntryCount:  n,
		Consistent:  sum == acct.BalanceCents,
	}
	if !rec.Consistent {
		s.log.Error("ledger drift detected",
			zap.String("account_id", accountID.String()),
			zap.Int64("cached_cents", rec.CachedCents),
			zap.Int64("ledger_cents", rec.LedgerCents),
		)
	}
	return rec, nil
}

func (s *Service) standalone(ctx context.Context, fn func(tx store.Tx) (*model.LedgerEntry, error)) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := s.retry.Do(ctx, func() error {
		return s.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			entry, err = fn(tx)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.LedgerEntries.WithLabelValues(string(entry.Direction())).Inc()
	return entry, nil
}

// apply runs the idempotency protocol for one signed balance mutation.
func (s *Service) apply(ctx context.Context, tx store.Tx, accountID uuid.UUID, delta int64, key, refID string) (*model.LedgerEntry, error) {
	if accountID == uuid.Nil {
		return nil, ErrMissingAccount
	}
	if key == "" {
		return nil, ErrMissingKey
	}
	if len(key) > MaxKeyLength {
		return nil, ErrMalformedKey
	}

	existing, err := tx.GetLedgerEntryByKey(ctx, key)
	switch {
	case err == nil:
		if existing.AccountID == accountID && existing.DeltaCents == delta && existing.Status == model.EntrySucceeded {
			metrics.IdempotentReplays.WithLabelValues("ledger").Inc()
			s.log.Info("idempotent ledger replay",
				zap.String("account_id", accountID.String()),
				zap.String("idempotency_key", key),
			)
			return existing, nil
		}
		metrics.IdempotencyConflicts.Inc()
		return nil, fmt.Errorf("%w: key %q", model.ErrDuplicateOperation, key)
	case !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("lookup ledger key %q: %w", key, err)
	}

	acct, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	next := acct.BalanceCents + delta
	if delta > 0 && next < acct.BalanceCents {
		return nil, fmt.Errorf("%w: balance %d, credit %d", ErrBalanceOverflow, acct.BalanceCents, delta)
	}
	if next < 0 {
		return nil, fmt.Errorf("%w: balance %d, debit %d", model.ErrInsufficientFunds, acct.BalanceCents, -delta)
	}

	entry := &model.LedgerEntry{
		ID:                uuid.New(),
		AccountID:         accountID,
		DeltaCents:        delta,
		BalanceAfterCents: next,
		IdempotencyKey:    key,
		RefID:             refID,
		Status:            model.EntrySucceeded,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	if _, err := tx.UpdateAccountBalance(ctx, accountID, next, acct.Version); err != nil {
		return nil, err
	}

	s.log.Debug("ledger entry applied",
		zap.String("account_id", accountID.String()),
		zap.Int64("delta_cents", delta),
		zap.Int64("balance_after_cents", next),
		zap.String("idempotency_key", key),
	)
	return entry, nil
}
