// Package pricing serves market reads, creation and LMSR quotes backed by
// the store.
//
// Quotes are computed over a snapshot copied out of the store; nothing here
// ever writes outstanding shares.
package pricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/outcome-exchange/internal/lmsr"
	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/store"
)

// DefaultLiquidityB applies when neither the request nor the config sets b.
const DefaultLiquidityB = 100

// CreateMarketInput holds the fields of a new market.
type CreateMarketInput struct {
	Title            string
	Description      string
	Category         string
	Status           model.MarketStatus // empty means ACTIVE
	StartDate        time.Time
	EndDate          time.Time
	ResolutionSource string
	CreatorID        string
	LiquidityB       int64 // 0 means the service default
	Outcomes         []string
}

// OutcomePrice is one row of a market's price board.
type OutcomePrice struct {
	OutcomeID         uuid.UUID `json:"outcome_id"`
	Label             string    `json:"label"`
	PriceCents        int64     `json:"price_cents"`
	OutstandingShares int64     `json:"outstanding_shares"`
}

// Quote is a priced, unexecuted trade.
type Quote struct {
	MarketID           uuid.UUID  `json:"market_id"`
	OutcomeID          uuid.UUID  `json:"outcome_id"`
	Side               model.Side `json:"side"`
	Quantity           int64      `json:"quantity"`
	TotalAmountCents   int64      `json:"total_amount_cents"`
	PricePerShareCents int64      `json:"price_per_share_cents"`
	SpotPriceCents     int64      `json:"spot_price_cents"`
}

// Service is the read and quote side of the exchange.
type Service struct {
	store    store.Store
	defaultB int64
	log      *zap.Logger
}

// NewService returns a pricing service. defaultB < 1 falls back to
// DefaultLiquidityB.
func NewService(s store.Store, defaultB int64, log *zap.Logger) *Service {
	if defaultB < lmsr.MinLiquidity {
		defaultB = DefaultLiquidityB
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: s, defaultB: defaultB, log: log}
}

// CreateMarket validates and stores a market with all outcomes at zero
// outstanding shares.
func (s *Service) CreateMarket(ctx context.Context, in CreateMarketInput) (*model.Market, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", model.ErrInvalidArgument)
	}
	status := in.Status
	if status == "" {
		status = model.MarketActive
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown market status %q", model.ErrInvalidArgument, status)
	}
	b := in.LiquidityB
	if b == 0 {
		b = s.defaultB
	}
	if b < lmsr.MinLiquidity {
		return nil, fmt.Errorf("%w: liquidity b must be >= %d", model.ErrInvalidArgument, lmsr.MinLiquidity)
	}
	if !in.StartDate.IsZero() && !in.EndDate.IsZero() && in.EndDate.Before(in.StartDate) {
		return nil, fmt.Errorf("%w: end date before start date", model.ErrInvalidArgument)
	}
	labels, err := normalizeLabels(in.Outcomes)
	if err != nil {
		return nil, err
	}

	m := &model.Market{
		ID:               uuid.New(),
		Title:            title,
		Description:      in.Description,
		Category:         in.Category,
		Status:           status,
		StartDate:        in.StartDate,
		EndDate:          in.EndDate,
		ResolutionSource: in.ResolutionSource,
		CreatorID:        in.CreatorID,
		LiquidityB:       b,
		CreatedAt:        time.Now().UTC(),
	}
	for i, l := range labels {
		m.Outcomes = append(m.Outcomes, model.Outcome{
			ID:       uuid.New(),
			MarketID: m.ID,
			Label:    l,
			Position: i,
		})
	}

	if err := s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateMarket(ctx, m)
	}); err != nil {
		return nil, fmt.Errorf("create market: %w", err)
	}

	s.log.Info("market created",
		zap.String("market_id", m.ID.String()),
		zap.String("title", m.Title),
		zap.Int("outcomes", len(m.Outcomes)),
		zap.Int64("b", b),
	)
	return m, nil
}

// GetMarket returns a market with its outcomes.
func (s *Service) GetMarket(ctx context.Context, id uuid.UUID) (*model.Market, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: market id is required", model.ErrInvalidArgument)
	}
	return s.store.GetMarket(ctx, id)
}

// ListMarkets returns all markets, newest first, optionally filtered by
// status.
func (s *Service) ListMarkets(ctx context.Context, status model.MarketStatus) ([]model.Market, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown market status %q", model.ErrInvalidArgument, status)
	}
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return markets, nil
	}
	filtered := make([]model.Market, 0, len(markets))
	for _, m := range markets {
		if m.Status == status {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// SpotPriceCents returns an outcome's current price in cents.
func (s *Service) SpotPriceCents(ctx context.Context, marketID, outcomeID uuid.UUID) (int64, error) {
	snap, _, err := s.snapshot(ctx, marketID)
	if err != nil {
		return 0, err
	}
	return snap.SpotPriceCents(outcomeID)
}

// SpotPrices returns the price board of a market in outcome order.
func (s *Service) SpotPrices(ctx context.Context, marketID uuid.UUID) ([]OutcomePrice, error) {
	snap, m, err := s.snapshot(ctx, marketID)
	if err != nil {
		return nil, err
	}
	prices, err := snap.SpotPrices()
	if err != nil {
		return nil, err
	}
	return Board(m.Outcomes, prices), nil
}

// QuoteBuyCost prices buying qty shares of an outcome at current state.
func (s *Service) QuoteBuyCost(ctx context.Context, marketID, outcomeID uuid.UUID, qty int64) (*Quote, error) {
	snap, _, err := s.snapshot(ctx, marketID)
	if err != nil {
		return nil, err
	}
	total, err := snap.QuoteBuyCost(outcomeID, qty)
	if err != nil {
		return nil, err
	}
	return s.quote(snap, marketID, outcomeID, model.Buy, qty, total)
}

// QuoteSellPayout prices selling qty shares of an outcome at current state.
func (s *Service) QuoteSellPayout(ctx context.Context, marketID, outcomeID uuid.UUID, qty int64) (*Quote, error) {
	snap, _, err := s.snapshot(ctx, marketID)
	if err != nil {
		return nil, err
	}
	total, err := snap.QuoteSellPayout(outcomeID, qty)
	if err != nil {
		return nil, err
	}
	return s.quote(snap, marketID, outcomeID, model.Sell, qty, total)
}

// MaxLoss returns the market maker's worst-case subsidy for a market, in cents.
func (s *Service) MaxLoss(ctx context.Context, marketID uuid.UUID) (int64, error) {
	snap, _, err := s.snapshot(ctx, marketID)
	if err != nil {
		return 0, err
	}
	return snap.MaxLoss()
}

// Board joins outcomes with their prices, in outcome order.
func Board(outcomes []model.Outcome, prices map[uuid.UUID]int64) []OutcomePrice {
	board := make([]OutcomePrice, 0, len(outcomes))
	for _, o := range outcomes {
		board = append(board, OutcomePrice{
			OutcomeID:         o.ID,
			Label:             o.Label,
			PriceCents:        prices[o.ID],
			OutstandingShares: o.OutstandingShares,
		})
	}
	return board
}

func (s *Service) quote(snap lmsr.Snapshot, marketID, outcomeID uuid.UUID, side model.Side, qty, total int64) (*Quote, error) {
	spot, err := snap.SpotPriceCents(outcomeID)
	if err != nil {
		return nil, err
	}
	return &Quote{
		MarketID:           marketID,
		OutcomeID:          outcomeID,
		Side:               side,
		Quantity:           qty,
		TotalAmountCents:   total,
		PricePerShareCents: lmsr.FillPriceCents(total, qty),
		SpotPriceCents:     spot,
	}, nil
}

func (s *Service) snapshot(ctx context.Context, marketID uuid.UUID) (lmsr.Snapshot, *model.Market, error) {
	if marketID == uuid.Nil {
		return lmsr.Snapshot{}, nil, fmt.Errorf("%w: market id is required", model.ErrInvalidArgument)
	}
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return lmsr.Snapshot{}, nil, err
	}
	return lmsr.NewSnapshot(m.LiquidityB, m.Outcomes), m, nil
}

func normalizeLabels(raw []string) ([]string, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: a market needs at least 2 outcomes", model.ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(raw))
	labels := make([]string, 0, len(raw))
	for _, r := range raw {
		l := strings.TrimSpace(r)
		if l == "" {
			return nil, fmt.Errorf("%w: outcome label is required", model.ErrInvalidArgument)
		}
		k := strings.ToLower(l)
		if seen[k] {
			return nil, fmt.Errorf("%w: duplicate outcome %q", model.ErrInvalidArgument, l)
		}
		seen[k] = true
		labels = append(labels, l)
	}
	return labels, nil
}
