// Package trade executes buys and sells against a market's LMSR market
// maker.
//
// A trade moves through Requested, Priced, Funded, Recorded and Settled
// inside a single store transaction: the outcome rows of the market are
// locked, the order is priced off the locked share vector, the wallet is
// debited (or credited), the trade row and the new share count are written
// and the position is updated. Any failure rolls everything back, so a
// rejected trade leaves no trace.
package trade

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
	"github.com/atmx/outcome-exchange/internal/limits"
	"github.com/atmx/outcome-exchange/internal/lmsr"
	"github.com/atmx/outcome-exchange/internal/metrics"
	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/position"
	"github.com/atmx/outcome-exchange/internal/store"
)

var (
	// ErrMarketNotActive is returned when trading a market that is not ACTIVE.
	ErrMarketNotActive = fmt.Errorf("%w: market is not active", model.ErrInvalidState)

	// ErrOutcomeNotInMarket is returned when the outcome is not one of the
	// market's outcomes.
	ErrOutcomeNotInMarket = fmt.Errorf("%w: outcome does not belong to market", model.ErrInvalidState)

	// ErrZeroQuote is returned when an order is too small to be worth a cent.
	ErrZeroQuote = fmt.Errorf("%w: order rounds to zero cents", model.ErrInvalidArgument)
)

// keyPrefix namespaces trade idempotency keys in the ledger.
const keyPrefix = "trade:"

// Request is a market order for quantity shares of one outcome.
type Request struct {
	UserID    string
	MarketID  uuid.UUID
	OutcomeID uuid.UUID
	Quantity  int64

	// IdempotencyKey, if set, makes a retried request replay the first
	// result instead of trading twice.
	IdempotencyKey string
}

// Executor runs trades.
type Executor struct {
	store     store.Store
	ledger    *ledger.Service
	positions *position.Tracker
	limiter   *limits.PositionLimiter
	publisher events.Publisher
	log       *zap.Logger
}

// NewExecutor wires an executor. limiter and publisher may be nil.
func NewExecutor(
	s store.Store,
	l *ledger.Service,
	positions *position.Tracker,
	limiter *limits.PositionLimiter,
	publisher events.Publisher,
	log *zap.Logger,
) *Executor {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		store:     s,
		ledger:    l,
		positions: positions,
		limiter:   limiter,
		publisher: publisher,
		log:       log,
	}
}

// ExecuteBuy buys req.Quantity shares at the LMSR cost.
func (e *Executor) ExecuteBuy(ctx context.Context, req Request) (*model.TradeResult, error) {
	return e.execute(ctx, model.Buy, req)
}

// ExecuteSell sells req.Quantity held shares back to the market maker.
func (e *Executor) ExecuteSell(ctx context.Context, req Request) (*model.TradeResult, error) {
	return e.execute(ctx, model.Sell, req)
}

// outcome of one committed transaction.
type execution struct {
	result *model.TradeResult
	trade  *model.Trade
	prices map[uuid.UUID]int64 // spot prices after the trade
}

func (e *Executor) execute(ctx context.Context, side model.Side, req Request) (*model.TradeResult, error) {
	start := time.Now()
	if err := validate(req); err != nil {
		e.reject(side, req, err)
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	tradeID := uuid.New()

	var x *execution
	err := e.ledger.Retrier().Do(ctx, func() error {
		return e.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			x, err = e.run(ctx, tx, side, req, tradeID, key)
			return err
		})
	})
	if err != nil {
		e.reject(side, req, err)
		return nil, err
	}

	if x.result.Replayed {
		metrics.IdempotentReplays.WithLabelValues("trade").Inc()
		e.log.Info("idempotent trade replay",
			zap.String("trade_id", x.result.TradeID.String()),
			zap.String("user_id", req.UserID),
			zap.String("idempotency_key", key),
		)
		return x.result, nil
	}

	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	metrics.TradeVolume.WithLabelValues(string(side)).Add(float64(req.Quantity))
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	e.log.Info("trade executed",
		zap.String("trade_id", x.trade.ID.String()),
		zap.String("user_id", req.UserID),
		zap.String("market_id", req.MarketID.String()),
		zap.String("outcome_id", req.OutcomeID.String()),
		zap.String("side", string(side)),
		zap.Int64("quantity", req.Quantity),
		zap.Int64("total_cents", x.trade.TotalAmountCents),
		zap.Int64("price_cents", x.trade.PricePerShareCents),
		zap.Int64("balance_cents", x.result.NewBalanceCents),
	)

	e.publish(ctx, x)
	return x.result, nil
}

// run is one attempt at the whole state machine inside tx.
func (e *Executor) run(ctx context.Context, tx store.Tx, side model.Side, req Request, tradeID uuid.UUID, key string) (*execution, error) {
	ledgerKey := keyPrefix + key

	// Requested.
	acct, err := tx.GetOrCreateAccount(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if req.IdempotencyKey != "" {
		x, err := e.replay(ctx, tx, side, req, acct, ledgerKey)
		if err != nil || x != nil {
			return x, err
		}
	}

	market, err := tx.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}
	if market.Status != model.MarketActive {
		return nil, fmt.Errorf("%w: status %s", ErrMarketNotActive, market.Status)
	}
	outcomes, err := tx.LockOutcomes(ctx, req.MarketID)
	if err != nil {
		return nil, fmt.Errorf("lock outcomes: %w", err)
	}
	shares := int64(-1)
	for _, o := range outcomes {
		if o.ID == req.OutcomeID {
			shares = o.OutstandingShares
			break
		}
	}
	if shares < 0 {
		if _, err := tx.GetOutcome(ctx, req.OutcomeID); err != nil {
			return nil, err
		}
		return nil, ErrOutcomeNotInMarket
	}

	if side == model.Buy {
		if err := e.checkLimits(ctx, tx, req, outcomes); err != nil {
			return nil, err
		}
	} else {
		held, err := e.positions.Held(ctx, tx, req.UserID, req.OutcomeID)
		if err != nil {
			return nil, fmt.Errorf("load position: %w", err)
		}
		if held == 0 {
			return nil, position.ErrNoPosition
		}
		if req.Quantity > held {
			return nil, fmt.Errorf("%w: holding %d, selling %d", position.ErrOversell, held, req.Quantity)
		}
	}

	// Priced.
	snap := lmsr.NewSnapshot(market.LiquidityB, outcomes)
	var total, delta int64
	if side == model.Buy {
		total, err = snap.QuoteBuyCost(req.OutcomeID, req.Quantity)
		delta = req.Quantity
	} else {
		total, err = snap.QuoteSellPayout(req.OutcomeID, req.Quantity)
		delta = -req.Quantity
	}
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, ErrZeroQuote
	}
	price := lmsr.FillPriceCents(total, req.Quantity)

	// Funded.
	var entry *model.LedgerEntry
	if side == model.Buy {
		entry, err = e.ledger.DebitTx(ctx, tx, acct.ID, total, ledgerKey, tradeID.String())
	} else {
		entry, err = e.ledger.CreditTx(ctx, tx, acct.ID, total, ledgerKey, tradeID.String())
	}
	if err != nil {
		return nil, err
	}

	// Recorded.
	t := &model.Trade{
		ID:                 tradeID,
		UserID:             req.UserID,
		MarketID:           req.MarketID,
		OutcomeID:          req.OutcomeID,
		Side:               side,
		Quantity:           req.Quantity,
		PricePerShareCents: price,
		TotalAmountCents:   total,
		IdempotencyKey:     key,
	}
	if err := tx.InsertTrade(ctx, t); err != nil {
		return nil, fmt.Errorf("record trade: %w", err)
	}
	if err := tx.UpdateOutcomeShares(ctx, req.OutcomeID, shares+delta); err != nil {
		return nil, fmt.Errorf("update outstanding shares: %w", err)
	}

	// Settled.
	var pos *model.Position
	if side == model.Buy {
		pos, err = e.positions.ApplyBuy(ctx, tx, req.UserID, req.MarketID, req.OutcomeID, req.Quantity, price)
	} else {
		pos, err = e.positions.ApplySell(ctx, tx, req.UserID, req.OutcomeID, req.Quantity, price)
	}
	if err != nil {
		return nil, err
	}

	next, err := snap.WithDelta(req.OutcomeID, delta)
	if err != nil {
		return nil, err
	}
	prices, err := next.SpotPrices()
	if err != nil {
		return nil, err
	}

	return &execution{
		result: resultOf(t, entry.BalanceAfterCents, pos, false),
		trade:  t,
		prices: prices,
	}, nil
}

// replay returns the stored result when ledgerKey was already used by the
// same trade, nil when it is unused, and ErrDuplicateOperation otherwise.
func (e *Executor) replay(ctx context.Context, tx store.Tx, side model.Side, req Request, acct *model.Account, ledgerKey string) (*execution, error) {
	entry, err := tx.GetLedgerEntryByKey(ctx, ledgerKey)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup trade key: %w", err)
	}

	conflict := fmt.Errorf("%w: key %q", model.ErrDuplicateOperation, req.IdempotencyKey)
	if entry.AccountID != acct.ID {
		return nil, conflict
	}
	tradeID, err := uuid.Parse(entry.RefID)
	if err != nil {
		return nil, conflict
	}
	t, err := tx.GetTrade(ctx, tradeID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, conflict
	}
	if err != nil {
		return nil, fmt.Errorf("load trade %s: %w", tradeID, err)
	}
	if t.UserID != req.UserID || t.MarketID != req.MarketID || t.OutcomeID != req.OutcomeID ||
		t.Side != side || t.Quantity != req.Quantity {
		metrics.IdempotencyConflicts.Inc()
		return nil, conflict
	}

	pos, err := tx.GetPosition(ctx, req.UserID, req.OutcomeID)
	if errors.Is(err, model.ErrNotFound) {
		pos = nil
	} else if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	return &execution{result: resultOf(t, entry.BalanceAfterCents, pos, true), trade: t}, nil
}

func (e *Executor) checkLimits(ctx context.Context, tx store.Tx, req Request, outcomes []model.Outcome) error {
	if !e.limiter.Enabled() {
		return nil
	}
	var inOutcome, inMarket int64
	for _, o := range outcomes {
		held, err := e.positions.Held(ctx, tx, req.UserID, o.ID)
		if err != nil {
			return fmt.Errorf("load position: %w", err)
		}
		inMarket += held
		if o.ID == req.OutcomeID {
			inOutcome = held
		}
	}
	if err := e.limiter.CheckBuy(inOutcome, inMarket, req.Quantity); err != nil {
		metrics.PositionLimitRejections.Inc()
		return err
	}
	return nil
}

func (e *Executor) publish(ctx context.Context, x *execution) {
	prices := make(map[string]int64, len(x.prices))
	for id, p := range x.prices {
		prices[id.String()] = p
	}
	ev := events.New(events.TradeExecuted, x.trade.MarketID.String(), events.TradeExecutedData{
		Trade:  *x.trade,
		Prices: prices,
	})
	// Sinks log their own failures; the trade is already committed.
	_ = e.publisher.Publish(ctx, ev)
}

func (e *Executor) reject(side model.Side, req Request, err error) {
	code := model.Code(err)
	metrics.TradeRejections.WithLabelValues(code).Inc()
	e.log.Info("trade rejected",
		zap.String("user_id", req.UserID),
		zap.String("market_id", req.MarketID.String()),
		zap.String("outcome_id", req.OutcomeID.String()),
		zap.String("side", string(side)),
		zap.Int64("quantity", req.Quantity),
		zap.String("code", code),
		zap.Error(err),
	)
}

func resultOf(t *model.Trade, balance int64, pos *model.Position, replayed bool) *model.TradeResult {
	return &model.TradeResult{
		TradeID:            t.ID,
		MarketID:           t.MarketID,
		OutcomeID:          t.OutcomeID,
		Side:               t.Side,
		Quantity:           t.Quantity,
		PricePerShareCents: t.PricePerShareCents,
		TotalAmountCents:   t.TotalAmountCents,
		NewBalanceCents:    balance,
		Position:           pos,
		Replayed:           replayed,
	}
}

func validate(req Request) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return fmt.Errorf("%w: user id is required", model.ErrInvalidArgument)
	case req.MarketID == uuid.Nil:
		return fmt.Errorf("%w: market id is required", model.ErrInvalidArgument)
	case req.OutcomeID == uuid.Nil:
		return fmt.Errorf("%w: outcome id is required", model.ErrInvalidArgument)
	case req.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be > 0", model.ErrInvalidArgument)
	case len(keyPrefix)+len(req.IdempotencyKey) > ledger.MaxKeyLength:
		return ledger.ErrMalformedKey
	}
	return nil
}
