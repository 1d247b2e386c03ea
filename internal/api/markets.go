package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atmx/outcome-exchange/internal/model"
	"github.com/atmx/outcome-exchange/internal/pricing"
)

type createMarketRequest struct {
	Title            string             `json:"title" validate:"required,max=200"`
	Description      string             `json:"description" validate:"max=2000"`
	Category         string             `json:"category" validate:"max=100"`
	Status           model.MarketStatus `json:"status" validate:"omitempty,oneof=UPCOMING ACTIVE CLOSED"`
	StartDate        time.Time          `json:"start_date"`
	EndDate          time.Time          `json:"end_date"`
	ResolutionSource string             `json:"resolution_source" validate:"max=500"`
	LiquidityB       int64              `json:"liquidity_b" validate:"gte=0"`
	Outcomes         []string           `json:"outcomes" validate:"required,min=2,dive,required,max=200"`
}

// marketResponse is a market with its current price board.
type marketResponse struct {
	*model.Market
	Prices []pricing.OutcomePrice `json:"prices"`
}

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := s.pricing.CreateMarket(r.Context(), pricing.CreateMarketInput{
		Title:            req.Title,
		Description:      req.Description,
		Category:         req.Category,
		Status:           req.Status,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		ResolutionSource: req.ResolutionSource,
		CreatorID:        userID(r.Context()),
		LiquidityB:       req.LiquidityB,
		Outcomes:         req.Outcomes,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeMarket(w, r, http.StatusCreated, m)
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	status := model.MarketStatus(strings.ToUpper(r.URL.Query().Get("status")))
	markets, err := s.pricing.ListMarkets(r.Context(), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "marketID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := s.pricing.GetMarket(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeMarket(w, r, http.StatusOK, m)
}

func (s *Server) writeMarket(w http.ResponseWriter, r *http.Request, status int, m *model.Market) {
	prices, err := s.pricing.SpotPrices(r.Context(), m.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, marketResponse{Market: m, Prices: prices})
}

func (s *Server) getPrices(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "marketID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	prices, err := s.pricing.SpotPrices(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

func (s *Server) getQuote(w http.ResponseWriter, r *http.Request) {
	marketID, err := pathUUID(r, "marketID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	outcomeID, err := pathUUID(r, "outcomeID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	qty, err := queryInt(r, "quantity", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var q *pricing.Quote
	switch side := model.Side(strings.ToUpper(r.URL.Query().Get("side"))); side {
	case model.Buy, "":
		q, err = s.pricing.QuoteBuyCost(r.Context(), marketID, outcomeID, int64(qty))
	case model.Sell:
		q, err = s.pricing.QuoteSellPayout(r.Context(), marketID, outcomeID, int64(qty))
	default:
		err = fmt.Errorf("%w: side must be BUY or SELL", model.ErrInvalidArgument)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) marketTrades(w http.ResponseWriter, r *http.Request) {
	marketID, err := pathUUID(r, "marketID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var outcomeID uuid.UUID
	if chi.URLParam(r, "outcomeID") != "" {
		if outcomeID, err = pathUUID(r, "outcomeID"); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	trades, err := s.trades.MarketTrades(r.Context(), marketID, outcomeID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", model.ErrInvalidArgument, name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", model.ErrInvalidArgument, name)
	}
	return v, nil
}

func queryUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", model.ErrInvalidArgument, name)
	}
	return id, nil
}

// queryTime accepts RFC 3339 timestamps.
func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339", model.ErrInvalidArgument, name)
	}
	return t, nil
}
