package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"printlog/internal/config"
	"printlog/internal/history"
	"printlog/internal/logging"
	"printlog/internal/models"
	"printlog/internal/queue"
	"printlog/internal/ratelimit"
	"printlog/internal/registry"
	"printlog/internal/store"
	"printlog/internal/telemetry"
)

// Connections is the slice of the connection registry the API drives.
type Connections interface {
	ConnectPrinter(ctx context.Context, identity models.PrinterIdentity) error
	DisconnectPrinter(printerID int64)
	Status(printerID int64) (registry.PrinterStatus, error)
	Snapshot() []registry.PrinterStatus
}

// Importer runs imports inline when no queue is configured.
type Importer interface {
	Import(ctx context.Context, printer models.PrinterIdentity, limit int) history.Stats
	BackfillDetails(ctx context.Context, printer models.PrinterIdentity) history.BackfillStats
}

// Deps are the collaborators of the REST surface. Queue, Limiter, Connections
// and Importer may be nil.
type Deps struct {
	Store       *store.Store
	Queue       *queue.RedisQueue
	Limiter     *ratelimit.ImportLimiter
	Connections Connections
	Importer    Importer
}

// Server wires HTTP handlers for the printer and job API.
type Server struct {
	cfg      config.Config
	store    *store.Store
	queue    *queue.RedisQueue
	limiter  *ratelimit.ImportLimiter
	conns    Connections
	importer Importer
	started  time.Time
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		store:    deps.Store,
		queue:    deps.Queue,
		limiter:  deps.Limiter,
		conns:    deps.Connections,
		importer: deps.Importer,
		started:  time.Now(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Use(contentTypeJSON)

		r.Route("/printers", func(r chi.Router) {
			r.Get("/", s.handleListPrinters)
			r.Post("/", s.handleCreatePrinter)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetPrinter)
				r.Post("/activate", s.handleActivate)
				r.Post("/deactivate", s.handleDeactivate)
				r.Post("/connect", s.handleConnect)
				r.Post("/disconnect", s.handleDisconnect)
				r.Get("/status", s.handleStatus)
				r.Get("/totals", s.handleTotals)
				r.Post("/import", s.handleImport)
				r.Post("/backfill", s.handleBackfill)
			})
		})
		r.Get("/connections", s.handleConnections)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Get("/dlq", s.handleDLQ)

		r.Route("/maintenance", func(r chi.Router) {
			r.Get("/", s.handleListMaintenance)
			r.Post("/", s.handleCreateMaintenance)
			r.Get("/{id}", s.handleGetMaintenance)
			r.Put("/{id}", s.handleUpdateMaintenance)
			r.Delete("/{id}", s.handleDeleteMaintenance)
		})
		r.Route("/analytics", func(r chi.Router) {
			r.Get("/summary", s.handleSummary)
			r.Get("/printers", s.handlePrinterStats)
			r.Get("/filament", s.handleFilamentUsage)
			r.Get("/timeline", s.handleTimeline)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Get("/api-keys", s.handleListAPIKeys)
			r.Post("/api-keys", s.handleCreateAPIKey)
			r.Delete("/api-keys/{id}", s.handleRevokeAPIKey)
			r.Get("/system", s.handleSystem)
		})
	})
	return r
}

// NewHTTPServer wraps the router with the configured listen address.
func (s *Server) NewHTTPServer() *http.Server {
	return &http.Server{
		Addr:              ":" + s.cfg.HTTPPort,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status["status"], status["database"] = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.queue != nil {
		if err := s.queue.Ping(r.Context()); err != nil {
			status["status"], status["redis"] = "degraded", err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, status)
}

// requireAPIKey rejects requests without an active X-API-Key.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing api key")
			return
		}
		caller, err := s.store.AuthenticateAPIKey(r.Context(), key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			logging.Error().Err(err).Msg("api key lookup failed")
			writeError(w, http.StatusInternalServerError, "authentication failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

type callerKey struct{}

// callerFrom returns the API key that authenticated the request.
func callerFrom(ctx context.Context) (models.APIKey, bool) {
	k, ok := ctx.Value(callerKey{}).(models.APIKey)
	return k, ok
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := logging.WithCorrelationID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(ww, r.WithContext(ctx))
		if strings.HasPrefix(r.URL.Path, "/metrics") || r.URL.Path == "/healthz" {
			return
		}
		logging.Ctx(ctx).Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", ww.Status()).Dur("duration", time.Since(start)).Msg("http request")
	})
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
