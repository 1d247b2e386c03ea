// Package model defines the core domain types shared across the exchange.
// All monetary values are integer cents, never float64.
package model

import (
	"time"

	"github.com/google/uuid"
)

// MarketStatus is the lifecycle state of a market. Only ACTIVE markets trade.
type MarketStatus string

const (
	MarketUpcoming MarketStatus = "UPCOMING"
	MarketActive   MarketStatus = "ACTIVE"
	MarketClosed   MarketStatus = "CLOSED"
)

// Valid reports whether s is a known status.
func (s MarketStatus) Valid() bool {
	switch s {
	case MarketUpcoming, MarketActive, MarketClosed:
		return true
	}
	return false
}

// Market is a discrete-outcome prediction market priced by LMSR.
// The outcome set is fixed at creation.
type Market struct {
	ID               uuid.UUID    `json:"id"`
	Title            string       `json:"title"`
	Description      string       `json:"description,omitempty"`
	Category         string       `json:"category,omitempty"`
	Status           MarketStatus `json:"status"`
	StartDate        time.Time    `json:"start_date"`
	EndDate          time.Time    `json:"end_date"`
	ResolutionSource string       `json:"resolution_source,omitempty"`
	CreatorID        string       `json:"creator_id,omitempty"`
	LiquidityB       int64        `json:"liquidity_b"` // LMSR liquidity parameter, >= 1
	CreatedAt        time.Time    `json:"created_at"`
	Outcomes         []Outcome    `json:"outcomes,omitempty"`
}

// Outcome is one tradable result of a market. OutstandingShares is only
// mutated inside a trade's transaction.
type Outcome struct {
	ID                uuid.UUID `json:"id"`
	MarketID          uuid.UUID `json:"market_id"`
	Label             string    `json:"label"`
	Position          int       `json:"position"` // ordinal within the market
	OutstandingShares int64     `json:"outstanding_shares"`
}

// Account is a user's wallet. BalanceCents is a materialized view of the
// sum of the account's ledger entries; Version guards concurrent updates.
type Account struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id"`
	BalanceCents int64     `json:"balance_cents"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EntryStatus of a ledger entry. Only committed entries are ever stored,
// so every persisted entry is SUCCEEDED.
type EntryStatus string

const EntrySucceeded EntryStatus = "SUCCEEDED"

// Direction of a balance mutation, derived from the sign of the delta.
type Direction string

const (
	Credit Direction = "CREDIT"
	Debit  Direction = "DEBIT"
)

// LedgerEntry is an immutable record of one balance mutation.
// Once created, entries are never modified or deleted.
type LedgerEntry struct {
	ID                uuid.UUID   `json:"id"`
	AccountID         uuid.UUID   `json:"account_id"`
	DeltaCents        int64       `json:"delta_cents"` // signed: +credit, -debit
	BalanceAfterCents int64       `json:"balance_after_cents"`
	IdempotencyKey    string      `json:"idempotency_key"`
	RefID             string      `json:"ref_id,omitempty"`
	Status            EntryStatus `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
}

// Direction returns CREDIT for positive deltas and DEBIT otherwise.
func (e *LedgerEntry) Direction() Direction {
	if e.DeltaCents > 0 {
		return Credit
	}
	return Debit
}

// AmountCents is the unsigned size of the mutation.
func (e *LedgerEntry) AmountCents() int64 {
	if e.DeltaCents < 0 {
		return -e.DeltaCents
	}
	return e.DeltaCents
}

// Position is a user's running holding in one outcome. Rows with zero
// quantity are deleted, never stored.
type Position struct {
	UserID           string    `json:"user_id"`
	OutcomeID        uuid.UUID `json:"outcome_id"`
	MarketID         uuid.UUID `json:"market_id"`
	Quantity         int64     `json:"quantity"`
	CostBasisCents   int64     `json:"cost_basis_cents"`
	RealizedPnlCents int64     `json:"realized_pnl_cents"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Side of a trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Trade is a write-once record of an executed trade.
type Trade struct {
	ID                 uuid.UUID `json:"id"`
	UserID             string    `json:"user_id"`
	MarketID           uuid.UUID `json:"market_id"`
	OutcomeID          uuid.UUID `json:"outcome_id"`
	Side               Side      `json:"side"`
	Quantity           int64     `json:"quantity"`
	PricePerShareCents int64     `json:"price_per_share_cents"`
	TotalAmountCents   int64     `json:"total_amount_cents"`
	IdempotencyKey     string    `json:"idempotency_key,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// TradeResult is returned to callers of the trade API.
type TradeResult struct {
	TradeID            uuid.UUID `json:"trade_id"`
	MarketID           uuid.UUID `json:"market_id"`
	OutcomeID          uuid.UUID `json:"outcome_id"`
	Side               Side      `json:"side"`
	Quantity           int64     `json:"quantity"`
	PricePerShareCents int64     `json:"price_per_share_cents"`
	TotalAmountCents   int64     `json:"total_amount_cents"`
	NewBalanceCents    int64     `json:"new_balance_cents"`
	Position           *Position `json:"position,omitempty"`
	Replayed           bool      `json:"replayed,omitempty"`
}

// FundRequestStatus is the review state of a fund request.
type FundRequestStatus string

const (
	FundRequestPending  FundRequestStatus = "PENDING"
	FundRequestApproved FundRequestStatus = "APPROVED"
	FundRequestRejected FundRequestStatus = "REJECTED"
)

// FundRequest is a user's request for an admin-approved wallet credit.
type FundRequest struct {
	ID          uuid.UUID         `json:"id"`
	AccountID   uuid.UUID         `json:"account_id"`
	UserID      string            `json:"user_id"`
	AmountCents int64             `json:"amount_cents"`
	Reason      string            `json:"reason"`
	Status      FundRequestStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
	ProcessedBy string            `json:"processed_by,omitempty"`
}

// PositionView is a portfolio row: a position marked to the current spot price.
type PositionView struct {
	MarketID           uuid.UUID `json:"market_id"`
	OutcomeID          uuid.UUID `json:"outcome_id"`
	OutcomeLabel       string    `json:"outcome_label"`
	Quantity           int64     `json:"quantity"`
	CostBasisCents     int64     `json:"cost_basis_cents"`
	AvgBuyPriceCents   int64     `json:"avg_buy_price_cents"`
	CurrentPriceCents  int64     `json:"current_price_cents"`
	MarketValueCents   int64     `json:"market_value_cents"`
	UnrealizedPnlCents int64     `json:"unrealized_pnl_cents"`
	RealizedPnlCents   int64     `json:"realized_pnl_cents"`
}

// Reconciliation compares an account's cached balance with the sum of its
// ledger entries.
type Reconciliation struct {
	AccountID   uuid.UUID `json:"account_id"`
	CachedCents int64     `json:"cached_cents"`
	LedgerCents int64     `json:"ledger_cents"`
	EntryCount  int       `json:"entry_count"`
	Consistent  bool      `json:"consistent"`
}
