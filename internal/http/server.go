// Package http exposes the engine as a JSON API.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"economat/internal/audit"
	"economat/internal/bulk"
	"economat/internal/capital"
	"economat/internal/core"
	"economat/internal/expense"
	"economat/internal/injection"
	"economat/internal/ledger"
	applog "economat/internal/log"
	"economat/internal/storage"
)

type CapitalService interface {
	Dashboard(ctx context.Context, now time.Time) (capital.Dashboard, error)
}

type ExpenseService interface {
	Create(ctx context.Context, actor core.Actor, d expense.Draft) (core.Expense, error)
	Get(ctx context.Context, id string) (ledger.ExpenseRecord, error)
	List(ctx context.Context, f ledger.ExpenseFilter) (ledger.Page[ledger.ExpenseRecord], error)
	Update(ctx context.Context, actor core.Actor, id string, d expense.Draft) (core.Expense, error)
	Delete(ctx context.Context, actor core.Actor, id string) error
	Validate(ctx context.Context, actor core.Actor, id string, action ledger.BulkAction, note string) (core.Expense, error)
	Views(ctx context.Context, actor core.Actor, records []ledger.ExpenseRecord) []expense.View
}

type BulkService interface {
	Validate(ctx context.Context, actor core.Actor, ids []string, action ledger.BulkAction, note string) (bulk.Result, error)
	Delete(ctx context.Context, actor core.Actor, ids []string) (bulk.Result, error)
}

type InjectionService interface {
	Inject(ctx context.Context, actor core.Actor, r injection.Request) (core.Transaction, error)
	Update(ctx context.Context, actor core.Actor, id string, r injection.Request) (core.Transaction, error)
	Delete(ctx context.Context, actor core.Actor, id string) error
}

type LedgerHealth interface {
	Available() bool
	HealthCheck(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

type JournalReader interface {
	List(ctx context.Context, f storage.Filter) ([]audit.Decision, error)
}

// Deps are the services behind the API. Journal may be nil.
type Deps struct {
	Capital   CapitalService
	Expenses  ExpenseService
	Bulk      BulkService
	Injection InjectionService
	Ledger    LedgerHealth
	Journal   JournalReader
}

// Config tunes the server.
type Config struct {
	Addr string
	// RateLimit is requests per minute per user, or per IP when anonymous (default: 120)
	RateLimit      int
	RequestTimeout time.Duration
}

type Server struct {
	http.Server
	deps   Deps
	logger *applog.Logger
	now    func() time.Time
}

// NewServer builds the router and returns a ready-to-start server.
func NewServer(cfg Config, deps Deps, logger *applog.Logger) *Server {
	if logger == nil {
		logger = applog.Discard()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 120
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	s := &Server{
		deps:   deps,
		logger: logger.WithComponent(applog.ComponentHTTP),
		now:    time.Now,
	}
	s.Server = http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(cfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(applog.Middleware(s.logger))
	r.Use(requestID)
	r.Use(applog.AccessLog(extractClientIP))
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.Limit(cfg.RateLimit, time.Minute,
			httprate.WithKeyFuncs(rateLimitKey),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				NewJSONResponse().Status(http.StatusTooManyRequests).
					Body(ErrorBody{Error: http.StatusText(http.StatusTooManyRequests), Code: "rate_limited"}).
					Write(w)
			}),
		))

		r.Get("/capital/dashboard", s.handleDashboard)
		r.Post("/ledger/reconnect", s.handleReconnect)

		r.Route("/expenses", func(r chi.Router) {
			r.Use(middleware.AllowContentType("application/json"))
			r.Get("/", s.handleListExpenses)
			r.Post("/", s.handleCreateExpense)
			r.Post("/bulk-validate", s.handleBulkValidate)
			r.Post("/bulk-delete", s.handleBulkDelete)
			r.Get("/{id}", s.handleGetExpense)
			r.Put("/{id}", s.handleUpdateExpense)
			r.Delete("/{id}", s.handleDeleteExpense)
			r.Post("/{id}/validate", s.handleValidateExpense)
		})

		r.Route("/transactions/manual", func(r chi.Router) {
			r.Use(middleware.AllowContentType("application/json"))
			r.Post("/", s.handleInject)
			r.Put("/{id}", s.handleUpdateInjection)
			r.Delete("/{id}", s.handleDeleteInjection)
		})

		if s.deps.Journal != nil {
			r.Get("/decisions", s.handleListDecisions)
		}
	})

	return r
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.Server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "ledger_available": s.deps.Ledger.Available()}
	if err := s.deps.Ledger.HealthCheck(r.Context()); err != nil {
		body["status"] = "degraded"
		body["ledger_error"] = err.Error()
		NewJSONResponse().Status(http.StatusServiceUnavailable).Body(body).Write(w)
		return
	}
	body["ledger_available"] = true
	NewJSONResponse().Body(body).Write(w)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Ledger.Reconnect(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(map[string]bool{"ledger_available": true}).Write(w)
}
