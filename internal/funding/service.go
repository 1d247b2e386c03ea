// Package funding handles user requests for wallet credits that an admin
// reviews.
package funding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/outcome-exchange/internal/events"
	"github.com/atmx/outcome-exchange/internal/ledger"
	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/store"
)

// ErrNotPending is returned when processing a request that was already
// approved or denied.
var ErrNotPending = fmt.Errorf("%w: fund request is not pending", model.ErrInvalidState)

// MaxReasonLength bounds the free-text reason.
const MaxReasonLength = 1000

// Service manages the fund request lifecycle.
type Service struct {
	store     store.Store
	ledger    *ledger.Service
	publisher events.Publisher
	log       *zap.Logger
	now       func() time.Time
}

// NewService returns a funding service. publisher may be nil.
func NewService(s store.Store, l *ledger.Service, publisher events.Publisher, log *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:     s,
		ledger:    l,
		publisher: publisher,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create files a pending request for amount cents on the user's wallet.
func (s *Service) Create(ctx context.Context, userID string, amount int64, reason string) (*model.FundRequest, error) {
	reason = strings.TrimSpace(reason)
	switch {
	case strings.TrimSpace(userID) == "":
		return nil, fmt.Errorf("%w: user id is required", model.ErrInvalidArgument)
	case amount <= 0:
		return nil, fmt.Errorf("%w: amount must be > 0", model.ErrInvalidArgument)
	case reason == "":
		return nil, fmt.Errorf("%w: reason is required", model.ErrInvalidArgument)
	case len(reason) > MaxReasonLength:
		return nil, fmt.Errorf("%w: reason is too long", model.ErrInvalidArgument)
	}

	acct, err := s.ledger.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	req := &model.FundRequest{
		ID:          uuid.New(),
		AccountID:   acct.ID,
		UserID:      userID,
		AmountCents: amount,
		Reason:      reason,
		Status:      model.FundRequestPending,
		CreatedAt:   s.now(),
	}
	if err := s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertFundRequest(ctx, req)
	}); err != nil {
		return nil, fmt.Errorf("insert fund request: %w", err)
	}

	s.log.Info("fund request created",
		zap.String("request_id", req.ID.String()),
		zap.String("user_id", userID),
		zap.Int64("amount_cents", amount),
	)
	s.notify(ctx, events.FundRequestCreated, req)
	return req, nil
}

// ListForUser returns the user's requests, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]model.FundRequest, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrInvalidArgument)
	}
	return s.store.ListFundRequests(ctx, store.FundRequestFilter{UserID: userID})
}

// List returns all requests, newest first, optionally narrowed to status.
func (s *Service) List(ctx context.Context, status model.FundRequestStatus) ([]model.FundRequest, error) {
	switch status {
	case "", model.FundRequestPending, model.FundRequestApproved, model.FundRequestRejected:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrInvalidArgument, status)
	}
	return s.store.ListFundRequests(ctx, store.FundRequestFilter{Status: status})
}

// Approve credits the requested amount and marks the request APPROVED, in
// one transaction. The credit is keyed by request id.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, adminID string) (*model.FundRequest, error) {
	var entry *model.LedgerEntry
	req, err := s.process(ctx, id, adminID, model.FundRequestApproved, func(tx store.Tx, r *model.FundRequest) error {
		var err error
		entry, err = s.ledger.CreditTx(ctx, tx, r.AccountID, r.AmountCents, "fundreq:"+r.ID.String(), r.ID.String())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("fund request approved",
		zap.String("request_id", id.String()),
		zap.String("admin_id", adminID),
		zap.Int64("balance_after_cents", entry.BalanceAfterCents),
	)
	s.notify(ctx, events.FundRequestApproved, req)
	return req, nil
}

// Deny marks the request REJECTED without moving money.
func (s *Service) Deny(ctx context.Context, id uuid.UUID, adminID string) (*model.FundRequest, error) {
	req, err := s.process(ctx, id, adminID, model.FundRequestRejected, nil)
	if err != nil {
		return nil, err
	}
	s.log.Info("fund request denied",
		zap.String("request_id", id.String()),
		zap.String("admin_id", adminID),
	)
	s.notify(ctx, events.FundRequestDenied, req)
	return req, nil
}

func (s *Service) process(ctx context.Context, id uuid.UUID, adminID string, to model.FundRequestStatus, effect func(store.Tx, *model.FundRequest) error) (*model.FundRequest, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: request id is required", model.ErrInvalidArgument)
	}
	if strings.TrimSpace(adminID) == "" {
		return nil, fmt.Errorf("%w: admin id is required", model.ErrInvalidArgument)
	}

	var out *model.FundRequest
	err := s.ledger.Retrier().Do(ctx, func() error {
		return s.store.WithTx(ctx, func(tx store.Tx) error {
			r, err := tx.GetFundRequestForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if r.Status != model.FundRequestPending {
				return fmt.Errorf("%w: status %s", ErrNotPending, r.Status)
			}
			if effect != nil {
				if err := effect(tx, r); err != nil {
					return err
				}
			}
			now := s.now()
			r.Status = to
			r.ProcessedAt = &now
			r.ProcessedBy = adminID
			if err := tx.UpdateFundRequest(ctx, r); err != nil {
				return fmt.Errorf("update fund request: %w", err)
			}
			out = r
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotPending) {
			s.log.Warn("fund request already processed", zap.String("request_id", id.String()))
		}
		return nil, err
	}
	return out, nil
}

func (s *Service) notify(ctx context.Context, typ string, r *model.FundRequest) {
	_ = s.publisher.Publish(ctx, events.New(typ, r.UserID, r))
}
