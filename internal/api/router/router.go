package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/phi-deid-engine/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/phi-deid-engine/internal/http/middleware"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Scans          *handlers.ScanHandler
	Ledger         *handlers.LedgerHandler
	Reports        *handlers.ReportHandler
	Health         *handlers.HealthHandler
	MetricsHandler http.Handler

	// AuthSecret signs caller JWTs (HMAC). Without it only /health and
	// /metrics are served.
	AuthSecret string
	JWTIssuer  string
	// AdminRoles may call /admin and read reports.
	AdminRoles []string
	// ScanLimiter throttles the scan endpoints per principal (optional).
	ScanLimiter *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	health := cfg.Health
	if health == nil {
		health = handlers.NewHealthHandler(nil)
	}
	r.Get("/health", health.Health)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.AuthSecret == "" {
		return r
	}
	auth := httpmiddleware.Authenticate(cfg.AuthSecret, cfg.JWTIssuer)
	admin := httpmiddleware.RequireRole(cfg.AdminRoles...)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(auth)
		if cfg.Scans != nil {
			v1.Group(func(scans chi.Router) {
				if cfg.ScanLimiter != nil {
					scans.Use(httpmiddleware.RateLimit(cfg.ScanLimiter))
				}
				scans.Post("/scans", cfg.Scans.CreateScan)
				scans.Post("/scans/{scanID}/transform", cfg.Scans.TransformScan)
				scans.Post("/scans/{scanID}/reverse", cfg.Scans.ReverseScan)
			})
		}
		if cfg.Ledger != nil {
			v1.Get("/scans/{scanID}/ledger", cfg.Ledger.History)
		}
		if cfg.Reports != nil {
			v1.With(admin).Get("/reports", cfg.Reports.GetReport)
		}
	})

	r.Route("/admin", func(a chi.Router) {
		a.Use(auth, admin)
		if cfg.Reports != nil {
			a.Post("/reports", cfg.Reports.PublishReport)
		}
		if cfg.Ledger != nil {
			a.Post("/ledger/sweep", cfg.Ledger.Sweep)
			a.Post("/ledger/{scanID}/dispose", cfg.Ledger.Dispose)
			a.Post("/ledger/entries/{entryID}/compensate", cfg.Ledger.Compensate)
		}
	})

	return r
}
