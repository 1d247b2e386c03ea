package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/trade"
)

type tradeRequest struct {
	MarketID  uuid.UUID `json:"market_id" validate:"required"`
	OutcomeID uuid.UUID `json:"outcome_id" validate:"required"`
	Quantity  int64     `json:"quantity" validate:"required,gt=0"`
}

func (s *Server) buy(w http.ResponseWriter, r *http.Request) {
	s.executeTrade(w, r, s.trades.ExecuteBuy)
}

func (s *Server) sell(w http.ResponseWriter, r *http.Request) {
	s.executeTrade(w, r, s.trades.ExecuteSell)
}

func (s *Server) executeTrade(w http.ResponseWriter, r *http.Request, exec func(context.Context, trade.Request) (*model.TradeResult, error)) {
	var req tradeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := exec(r.Context(), trade.Request{
		UserID:         userID(r.Context()),
		MarketID:       req.MarketID,
		OutcomeID:      req.OutcomeID,
		Quantity:       req.Quantity,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) myTrades(w http.ResponseWriter, r *http.Request) {
	marketID, err := queryUUID(r, "market_id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	trades, err := s.trades.UserTrades(r.Context(), userID(r.Context()), marketID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) myPositions(w http.ResponseWriter, r *http.Request) {
	views, err := s.positions.Portfolio(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}
