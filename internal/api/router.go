// Package api exposes the exchange over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atmx/outcome-exchange/internal/funding"
	"github.com/atmx/outcome-exchange/internal/ledger"
	"github.com/atmx/outcome-exchange/internal/metrics"
	"github.com/atmx/outcome-exchange/internal/position"
	"github.com/atmx/outcome-exchange/internal/pricing"
	"github.com/atmx/outcome-exchange/internal/trade"
)

// Deps are the services the router dispatches to.
type Deps struct {
	Pricing   *pricing.Service
	Trades    *trade.Executor
	Ledger    *ledger.Service
	Positions *position.Tracker
	Funding   *funding.Service

	// WS serves the live event stream. Nil leaves /api/v1/ws unmounted.
	WS http.HandlerFunc

	Log            *zap.Logger
	RequestTimeout time.Duration // default 30s
	AllowedOrigins []string      // default "*"
	RateLimitRPS   float64       // 0 disables the per-user limiter
	RateLimitBurst int
}

// Server holds the handlers' dependencies.
type Server struct {
	pricing   *pricing.Service
	trades    *trade.Executor
	ledger    *ledger.Service
	positions *position.Tracker
	funding   *funding.Service
	log       *zap.Logger
}

// NewRouter wires the HTTP surface.
func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		pricing:   d.Pricing,
		trades:    d.Trades,
		ledger:    d.Ledger,
		positions: d.Positions,
		funding:   d.Funding,
		log:       log,
	}

	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	var limiter *userLimiter
	if d.RateLimitRPS > 0 {
		limiter = newUserLimiter(d.RateLimitRPS, d.RateLimitBurst)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", HeaderUserID, HeaderUserRole, HeaderIdempotencyKey},
		MaxAge:         300,
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "outcome-exchange"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The websocket must not run under the request timeout.
		if d.WS != nil {
			r.Get("/ws", d.WS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))

			r.Get("/markets", s.listMarkets)
			r.Get("/markets/{marketID}", s.getMarket)
			r.Get("/markets/{marketID}/prices", s.getPrices)
			r.Get("/markets/{marketID}/outcomes/{outcomeID}/quote", s.getQuote)
			r.Get("/markets/{marketID}/trades", s.marketTrades)
			r.Get("/markets/{marketID}/outcomes/{outcomeID}/trades", s.marketTrades)

			r.Group(func(r chi.Router) {
				r.Use(requireUser)
				r.Post("/markets", s.createMarket)

				r.Get("/trades/me", s.myTrades)
				r.Get("/positions/me", s.myPositions)
				r.Get("/wallet", s.getWallet)
				r.Get("/wallet/transactions", s.walletTransactions)
				r.Get("/wallet/reconcile", s.reconcileWallet)
				r.Get("/fund-requests/me", s.myFundRequests)

				r.Group(func(r chi.Router) {
					r.Use(rateLimit(limiter))
					r.Post("/trades/buy", s.buy)
					r.Post("/trades/sell", s.sell)
					r.Post("/wallet/credit", s.credit)
					r.Post("/wallet/debit", s.debit)
					r.Post("/wallet/transfer", s.transfer)
					r.Post("/fund-requests", s.createFundRequest)
				})

				r.Route("/admin", func(r chi.Router) {
					r.Use(requireAdmin)
					r.Get("/fund-requests", s.listFundRequests)
					r.Post("/fund-requests/{requestID}/approve", s.approveFundRequest)
					r.Post("/fund-requests/{requestID}/deny", s.denyFundRequest)
				})
			})
		})
	})

	return r
}

// requestLogger logs one line per request with zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
