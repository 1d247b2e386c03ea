package ledger_test

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/outcome-exchange/internal/ledger"
	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/store"
	"github.com/atmx/outcome-exchange/internal/store/storetest"
)

func newLedger(t *testing.T, s store.Store) *ledger.Service {
	t.Helper()
	return ledger.NewService(s, ledger.Retrier{MaxAttempts: 5}, zaptest.NewLogger(t))
}

func fundedAccount(t *testing.T, l *ledger.Service, userID string, cents int64) *model.Account {
	t.Helper()
	ctx := context.Background()
	acct, err := l.Account(ctx, userID)
	require.NoError(t, err)
	if cents > 0 {
		_, err = l.Credit(ctx, acct.ID, cents, "seed:"+userID, "")
		require.NoError(t, err)
	}
	return acct
}

func balance(t *testing.T, s store.Store, accountID uuid.UUID) int64 {
	t.Helper()
	acct, err := s.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return acct.BalanceCents
}

func TestAccount_CreatedLazily(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := newLedger(t, s)

	first, err := l.Account(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.BalanceCents)

	second, err := l.Account(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = l.Account(ctx, "  ")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestCredit_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := newLedger(t, s)
	acct := fundedAccount(t, l, "alice", 0)

	first, err := l.Credit(ctx, acct.ID, 500, "k1", "ref")
	require.NoError(t, err)
	assert.Equal(t, model.Credit, first.Direction())
	assert.Equal(t, int64(500), first.BalanceAfterCents)
	assert.Equal(t, model.EntrySucceeded, first.Status)

	again, err := l.Credit(ctx, acct.ID, 500, "k1", "ref")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "replay returns the original entry")
	assert.Equal(t, int64(500), balance(t, s, acct.ID))

	entries, err := l.History(ctx, acct.ID, store.LedgerFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIdempotencyKey_ReuseForDifferentIntent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := newLedger(t, s)
	alice := fundedAccount(t, l, "alice", 1000)
	bob := fundedAccount(t, l, "bob", 0)

	_, err := l.Credit(ctx, alice.ID, 100, "k1", "")
	require.NoError(t, err)

	tests := []struct {
		name string
		run  func() error
	}{
		{"different amount", func() error { _, err := l.Credit(ctx, alice.ID, 101, "k1", ""); return err }},
		{"different account", func() error { _, err := l.Credit(ctx, bob.ID, 100, "k1", ""); return err }},
		{"different direction", func() error { _, err := l.Debit(ctx, alice.ID, 100, "k1", ""); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), model.ErrDuplicateOperation)
		})
	}
	assert.Equal(t, int64(1100), balance(t, s, alice.ID))
	assert.Equal(t, int64(0), balance(t, s, bob.ID))
}

func TestDebit_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := newLedger(t, s)
	acct := fundedAccount(t, l, "alice", 300)

	_, err := l.Debit(ctx, acct.ID, 301, "d1", "")
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	assert.Equal(t, int64(300), balance(t, s, acct.ID))

	entry, err := l.Debit(ctx, acct.ID, 300, "d2", "")
	require.NoError(t, err)
	assert.Equal(t, int64(-300), entry.DeltaCents)
	assert.Equal(t, int64(0), entry.BalanceAfterCents)
	assert.Equal(t, int64(0), balance(t, s, acct.ID))
}

func TestCredit_RejectsBalanceOverflow(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := newLedger(t, s)
	acct := fundedAccount(t, l, "alice", math.MaxInt64)

	_, err := l.Credit(ctx, acct.ID, 1, "c-over", "")
	assert.ErrorIs(t, err, ledger.ErrBalanceOverflow)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	assert.NotErrorIs(t, err, model.ErrInsufficientFunds)
	assert.Equal(t, int64(math.MaxInt64), balance(t, s, acct.ID))

	entries, err := s.ListLedgerEntries(ctx, acct.ID, store.LedgerFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "the rejected credit leaves no entry")
}

func TestInvalidArguments(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := newLedger(t, s)
	acct := fundedAccount(t, l, "alice", 100)

	_, err := l.Credit(ctx, acct.ID, 0, "k", "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = l.Debit(ctx, acct.ID, -5, "k", "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = l.Credit(ctx, acct.ID, 10, "", "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = l.Credit(ctx, uuid.Nil, 10, "k", "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = l.Credit(ctx, uuid.New(), 10, "k", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, _, err = l.Transfer(ctx, acct.ID, acct.ID, 10, "t", "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = l.Credit(ctx, acct.ID, 10, strings.Repeat("k", ledger.MaxKeyLength+1), "")
	assert.ErrorIs(t, err, ledger.ErrMalformedKey)
}

func TestTransfer_AtomicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := newLedger(t, s)
	alice := fundedAccount(t, l, "alice", 1000)
	bob := fundedAccount(t, l, "bob", 50)

	debit, credit, err := l.Transfer(ctx, alice.ID, bob.ID, 400, "t1", "gift")
	require.NoError(t, err)
	assert.Equal(t, "t1:DEBIT", debit.IdempotencyKey)
	assert.Equal(t, "t1:CREDIT", credit.IdempotencyKey)
	assert.Equal(t, int64(600), balance(t, s, alice.ID))
	assert.Equal(t, int64(450), balance(t, s, bob.ID))

	d2, c2, err := l.Transfer(ctx, alice.ID, bob.ID, 400, "t1", "gift")
	require.NoError(t, err)
	assert.Equal(t, debit.ID, d2.ID)
	assert.Equal(t, credit.ID, c2.ID)
	assert.Equal(t, int64(600), balance(t, s, alice.ID))

	// Overdraft: neither leg is applied, whichever account sorts first.
	_, _, err = l.Transfer(ctx, bob.ID, alice.ID, 451, "t2", "")
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	assert.Equal(t, int64(600), balance(t, s, alice.ID))
	assert.Equal(t, int64(450), balance(t, s, bob.ID))

	entries, err := l.History(ctx, alice.ID, store.LedgerFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 2, "seed credit and one transfer debit")
}

func TestRetry_RecoversFromVersionConflicts(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	base := newLedger(t, mem)
	acct := fundedAccount(t, base, "alice", 0)

	cs := storetest.NewConflictStore(mem, 2)
	l := newLedger(t, cs)

	entry, err := l.Credit(ctx, acct.ID, 250, "c1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(250), entry.BalanceAfterCents)
	assert.Equal(t, int64(3), cs.Attempts())
	assert.Equal(t, int64(250), balance(t, mem, acct.ID))

	entries, err := l.History(ctx, acct.ID, store.LedgerFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed attempts leave no entries")
}

func TestRetry_Exhausted(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	acct := fundedAccount(t, newLedger(t, mem), "alice", 0)

	cs := storetest.NewConflictStore(mem, 100)
	l := ledger.NewService(cs, ledger.Retrier{MaxAttempts: 3}, zaptest.NewLogger(t))

	_, err := l.Credit(ctx, acct.ID, 250, "c1", "")
	assert.ErrorIs(t, err, model.ErrOptimisticRetryExceeded)
	assert.Equal(t, int64(3), cs.Attempts())
	assert.Equal(t, int64(0), balance(t, mem, acct.ID))
}

func TestRetrier_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := ledger.Retrier{MaxAttempts: 5}.Do(context.Background(), func() error {
		calls++
		return model.ErrInsufficientFunds
	})
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	assert.Equal(t, 1, calls)
}

func TestConcurrentCredits(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := newLedger(t, s)
	acct := fundedAccount(t, l, "alice", 0)

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("c%d", i%10) // 5 writers per key
		g.Go(func() error {
			_, err := l.Credit(ctx, acct.ID, 10, key, "")
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(100), balance(t, s, acct.ID))

	rec, err := l.Reconcile(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Equal(t, 10, rec.EntryCount)
	assert.Equal(t, int64(100), rec.LedgerCents)
}

func TestHistory_Pagination(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := newLedger(t, s)
	acct := fundedAccount(t, l, "alice", 0)

	for i := 1; i <= 4; i++ {
		_, err := l.Credit(ctx, acct.ID, int64(i), fmt.Sprintf("h%d", i), "")
		require.NoError(t, err)
	}

	page, err := l.History(ctx, acct.ID, store.LedgerFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(4), page[0].DeltaCents)
	assert.Equal(t, int64(3), page[1].DeltaCents)

	_, err = l.History(ctx, acct.ID, store.LedgerFilter{Limit: -1})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
