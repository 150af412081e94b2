package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"printlog/internal/logging"
	"printlog/internal/models"
	"printlog/internal/queue"
	"printlog/internal/registry"
	"printlog/internal/store"
	"printlog/internal/telemetry"
)

type createPrinterRequest struct {
	Name            string  `json:"name" validate:"required,max=100"`
	Location        *string `json:"location" validate:"omitempty,max=200"`
	MoonrakerURL    string  `json:"moonraker_url" validate:"required,url"`
	MoonrakerAPIKey *string `json:"moonraker_api_key" validate:"omitempty,max=200"`
	Inactive        bool    `json:"inactive"`
}

type importRequest struct {
	Limit int `json:"limit" validate:"omitempty,min=1,max=10000"`
}

type taskResponse struct {
	TaskID   string          `json:"task_id"`
	Type     models.TaskType `json:"type"`
	Queued   bool            `json:"queued"`
	Priority string          `json:"priority"`
}

func printerID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// loadPrinter resolves the {id} path parameter, writing 400/404 on failure.
func (s *Server) loadPrinter(w http.ResponseWriter, r *http.Request) (models.Printer, bool) {
	id, ok := printerID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid printer id")
		return models.Printer{}, false
	}
	p, err := s.store.GetPrinter(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "printer not found")
		return models.Printer{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return models.Printer{}, false
	}
	return p, true
}

func (s *Server) handleListPrinters(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	printers, err := s.store.ListPrinters(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if printers == nil {
		printers = []models.Printer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"printers": printers})
}

func (s *Server) handleCreatePrinter(w http.ResponseWriter, r *http.Request) {
	var req createPrinterRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	p, err := s.store.CreatePrinter(r.Context(), store.CreatePrinterParams{
		Name:            strings.TrimSpace(req.Name),
		Location:        req.Location,
		MoonrakerURL:    req.MoonrakerURL,
		MoonrakerAPIKey: req.MoonrakerAPIKey,
		Inactive:        req.Inactive,
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			writeError(w, http.StatusConflict, "printer name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logging.Info().Int64("printer_id", p.ID).Str("name", p.Name).Msg("printer created")
	if p.IsActive && s.conns != nil {
		if err := s.conns.ConnectPrinter(r.Context(), p.Identity()); err != nil {
			logging.Warn().Err(err).Int64("printer_id", p.ID).Msg("new printer not reachable yet")
		}
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPrinter(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPrinter(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, true)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, false)
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	p, ok := s.loadPrinter(w, r)
	if !ok {
		return
	}
	if err := s.store.SetPrinterActive(r.Context(), p.ID, active); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !active && s.conns != nil {
		s.conns.DisconnectPrinter(p.ID)
	}
	p.IsActive = active
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPrinter(w, r)
	if !ok {
		return
	}
	if s.conns == nil {
		writeError(w, http.StatusServiceUnavailable, "connections are not managed by this process")
		return
	}
	if !p.IsActive {
		writeError(w, http.StatusConflict, "printer is inactive")
		return
	}
	if err := s.conns.ConnectPrinter(r.Context(), p.Identity()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeStatus(w, p.ID)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPrinter(w, r)
	if !ok {
		return
	}
	if s.conns == nil {
		writeError(w, http.StatusServiceUnavailable, "connections are not managed by this process")
		return
	}
	s.conns.DisconnectPrinter(p.ID)
	s.writeStatus(w, p.ID)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPrinter(w, r)
	if !ok {
		return
	}
	if s.conns == nil {
		writeError(w, http.StatusServiceUnavailable, "connections are not managed by this process")
		return
	}
	s.writeStatus(w, p.ID)
}

func (s *Server) writeStatus(w http.ResponseWriter, id int64) {
	st, err := s.conns.Status(id)
	if err != nil && !errors.Is(err, registry.ErrNotConnected) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	if s.conns == nil {
		writeJSON(w, http.StatusOK, map[string]any{"connections": []registry.PrinterStatus{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": s.conns.Snapshot()})
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPrinter(w, r)
	if !ok {
		return
	}
	totals, err := s.store.GetTotals(r.Context(), p.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	s.runTask(w, r, models.TaskHistoryImport)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	s.runTask(w, r, models.TaskBackfillDetails)
}

// runTask enqueues a manual import task, or runs it inline when the process
// has no queue.
func (s *Server) runTask(w http.ResponseWriter, r *http.Request, t models.TaskType) {
	p, ok := s.loadPrinter(w, r)
	if !ok {
		return
	}
	req := importRequest{}
	if r.ContentLength > 0 && !decodeAndValidate(w, r, &req) {
		return
	}
	if !p.IsActive {
		writeError(w, http.StatusConflict, "printer is inactive")
		return
	}
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), p.ID)
		if err != nil {
			logging.Ctx(r.Context()).Error().Err(err).Int64("printer_id", p.ID).Msg("import limiter failed")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter/time.Second)))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}
	limit := req.Limit
	if limit == 0 {
		limit = s.cfg.HistoryImportLimit
	}

	if s.queue == nil {
		if s.importer == nil {
			writeError(w, http.StatusServiceUnavailable, "no importer configured")
			return
		}
		if t == models.TaskBackfillDetails {
			writeJSON(w, http.StatusOK, s.importer.BackfillDetails(r.Context(), p.Identity()))
			return
		}
		writeJSON(w, http.StatusOK, s.importer.Import(r.Context(), p.Identity(), limit))
		return
	}

	task := s.queue.NewTask(t, p.ID, limit)
	added, err := s.queue.EnqueueUnique(r.Context(), task, queue.PriorityManual, time.Time{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	if !added {
		writeError(w, http.StatusConflict, "a task of this type is already pending for the printer")
		return
	}
	telemetry.EnqueueCounter.WithLabelValues(string(t)).Inc()
	logging.Ctx(r.Context()).Info().Int64("printer_id", p.ID).Str("task_id", task.ID).
		Str("task_type", string(t)).Msg("manual task enqueued")
	writeJSON(w, http.StatusAccepted, taskResponse{TaskID: task.ID, Type: t, Queued: true, Priority: queue.PriorityManual})
}
