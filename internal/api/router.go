package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/metrics"
)

// RouterConfig holds the HTTP surface settings.
type RouterConfig struct {
	APIKey         string
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// NewRouter mounts the service under /api/v1 with health, metrics and,
// when hub is non-nil, the WebSocket event stream.
func NewRouter(svc *Service, hub *WSHub, cfg RouterConfig) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CORS(cfg.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"coverage-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(APIKey(cfg.APIKey))

		// WebSocket endpoint for ledger events. Kept outside the timeout
		// and metrics wrappers, which do not support hijacking.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			r.Use(metrics.Middleware)
			r.Use(ActorContext)
			svc.Routes(r)
		})
	})
	return r
}

// Routes registers the API handlers on r.
func (s *Service) Routes(r chi.Router) {
	// Reads.
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{symbol}", s.GetMarket)
	r.Get("/pools", s.ListPools)
	r.Get("/pools/{poolID}", s.GetPool)
	r.Get("/pools/{poolID}/quote", s.Quote)
	r.Get("/pools/{poolID}/liquidity", s.Liquidity)
	r.Get("/pools/{poolID}/positions", s.ListPositions)
	r.Get("/pools/{poolID}/upkeep", s.CheckUpkeep)
	r.Get("/pools/{poolID}/invariants", s.Invariants)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Get("/positions/{positionID}/liquidation", s.GetLiquidation)
	r.Get("/coverage/{coverageID}", s.GetCoverage)
	r.Get("/oracle/{feed}/price", s.GetPrice)
	r.Get("/accounts/{account}/balance", s.GetBalance)

	// Keeper entry points, open to anyone.
	r.Post("/pools/{poolID}/upkeep", s.PerformUpkeep)
	r.Post("/pools/{poolID}/resolve/claims", s.ResolveClaims)
	r.Post("/pools/{poolID}/resolve/expirations", s.ResolveExpirations)

	// Actor-scoped mutations.
	r.Group(func(r chi.Router) {
		r.Use(RequireActor)

		r.Post("/markets", s.ListMarket)
		r.Post("/pools", s.CreatePool)
		r.Put("/pools/{poolID}/premium", s.SetPremium)
		r.Post("/pools/{poolID}/pause", s.PausePool)
		r.Post("/pools/{poolID}/unpause", s.UnpausePool)
		r.Post("/pools/{poolID}/approve", s.Approve)

		r.Post("/pools/{poolID}/positions", s.CreatePosition)
		r.Delete("/positions/{positionID}", s.RemovePosition)
		r.Post("/positions/{positionID}/liquidate", s.LiquidatePosition)
		r.Post("/liquidations/process", s.ProcessQueue)

		r.Post("/pools/{poolID}/coverage", s.BuyCoverage)
		r.Post("/coverage/{coverageID}/claim", s.ClaimCoverage)

		r.Post("/oracle/{feed}/price", s.RecordPrice)
	})
}
