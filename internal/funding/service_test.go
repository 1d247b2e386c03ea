package funding_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/atmx/outcome-exchange/internal/events"
	"github.com/atmx/outcome-exchange/internal/funding"
	"github.com/atmx/outcome-exchange/internal/ledger"
	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/store"
)

type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, e.Type)
	return nil
}

func newService(t *testing.T) (*funding.Service, *store.MemoryStore, *recorder) {
	t.Helper()
	s := store.NewMemoryStore()
	log := zaptest.NewLogger(t)
	rec := &recorder{}
	l := ledger.NewService(s, ledger.Retrier{}, log)
	return funding.NewService(s, l, rec, log), s, rec
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	svc, s, rec := newService(t)

	req, err := svc.Create(ctx, "alice", 2500, "  tournament entry ")
	require.NoError(t, err)
	assert.Equal(t, model.FundRequestPending, req.Status)
	assert.Equal(t, "tournament entry", req.Reason)
	assert.Nil(t, req.ProcessedAt)

	acct, err := s.GetAccountByUser(ctx, "alice")
	require.NoError(t, err, "the wallet is created with the request")
	assert.Equal(t, acct.ID, req.AccountID)
	assert.Equal(t, int64(0), acct.BalanceCents)
	assert.Equal(t, []string{events.FundRequestCreated}, rec.types)

	mine, err := svc.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, req.ID, mine[0].ID)
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _, rec := newService(t)

	tests := []struct {
		name   string
		user   string
		amount int64
		reason string
	}{
		{"missing user", "", 100, "r"},
		{"zero amount", "alice", 0, "r"},
		{"negative amount", "alice", -1, "r"},
		{"blank reason", "alice", 100, "   "},
		{"long reason", "alice", 100, strings.Repeat("x", funding.MaxReasonLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.user, tt.amount, tt.reason)
			assert.ErrorIs(t, err, model.ErrInvalidArgument)
		})
	}
	assert.Empty(t, rec.types)
}

func TestApprove_CreditsOnce(t *testing.T) {
	ctx := context.Background()
	svc, s, rec := newService(t)

	req, err := svc.Create(ctx, "alice", 2500, "top up")
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, req.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, model.FundRequestApproved, approved.Status)
	assert.Equal(t, "admin-1", approved.ProcessedBy)
	require.NotNil(t, approved.ProcessedAt)

	acct, err := s.GetAccount(ctx, req.AccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), acct.BalanceCents)

	entries, err := s.ListLedgerEntries(ctx, acct.ID, store.LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fundreq:"+req.ID.String(), entries[0].IdempotencyKey)

	_, err = svc.Approve(ctx, req.ID, "admin-2")
	assert.ErrorIs(t, err, funding.ErrNotPending)
	_, err = svc.Deny(ctx, req.ID, "admin-2")
	assert.ErrorIs(t, err, model.ErrInvalidState)

	acct, err = s.GetAccount(ctx, req.AccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), acct.BalanceCents, "a processed request never credits twice")
	assert.Equal(t, []string{events.FundRequestCreated, events.FundRequestApproved}, rec.types)
}

func TestDeny(t *testing.T) {
	ctx := context.Background()
	svc, s, _ := newService(t)

	req, err := svc.Create(ctx, "alice", 2500, "top up")
	require.NoError(t, err)

	denied, err := svc.Deny(ctx, req.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, model.FundRequestRejected, denied.Status)

	acct, err := s.GetAccount(ctx, req.AccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.BalanceCents)

	_, err = svc.Approve(ctx, req.ID, "admin-1")
	assert.ErrorIs(t, err, funding.ErrNotPending)
}

func TestList_ByStatus(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	a, err := svc.Create(ctx, "alice", 100, "a")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "bob", 200, "b")
	require.NoError(t, err)
	_, err = svc.Approve(ctx, a.ID, "admin")
	require.NoError(t, err)

	all, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := svc.List(ctx, model.FundRequestPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bob", pending[0].UserID)

	_, err = svc.List(ctx, "LOST")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestProcess_Errors(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	_, err := svc.Approve(ctx, uuid.New(), "admin")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.Approve(ctx, uuid.Nil, "admin")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	req, err := svc.Create(ctx, "alice", 100, "a")
	require.NoError(t, err)
	_, err = svc.Deny(ctx, req.ID, " ")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
