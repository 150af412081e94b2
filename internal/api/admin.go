package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"printlog/internal/logging"
	"printlog/internal/models"
	"printlog/internal/store"
)

// Version is reported by /api/admin/system. Release builds set it with -ldflags -X.
var Version = "dev"

type createAPIKeyRequest struct {
	Name      string     `json:"name" validate:"required,max=100"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type createdAPIKey struct {
	models.APIKey
	Key string `json:"key"`
}

type systemInfo struct {
	Version        string  `json:"version"`
	DatabaseType   string  `json:"database_type"`
	ActivePrinters int     `json:"active_printers"`
	TotalJobs      int     `json:"total_jobs"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	QueueEnabled   bool    `json:"queue_enabled"`
}

// handleListAPIKeys lists active keys. Hashes are never serialized.
func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListAPIKeys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active := []models.APIKey{}
	for _, k := range keys {
		if k.IsActive {
			active = append(active, k)
		}
	}
	writeJSON(w, http.StatusOK, active)
}

// handleCreateAPIKey returns the plaintext key; it cannot be read back later.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	plain, key, err := s.store.CreateAPIKey(r.Context(), req.Name, req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logging.Ctx(r.Context()).Info().Int64("key_id", key.ID).Str("name", key.Name).Msg("api key created")
	writeJSON(w, http.StatusCreated, createdAPIKey{APIKey: key, Key: plain})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid api key id")
		return
	}
	if caller, ok := callerFrom(r.Context()); ok && caller.ID == id {
		writeError(w, http.StatusBadRequest, "cannot revoke the key used for this request")
		return
	}
	err = s.store.RevokeAPIKey(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "api key not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logging.Ctx(r.Context()).Info().Int64("key_id", id).Msg("api key revoked")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.FleetSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, systemInfo{
		Version:        Version,
		DatabaseType:   s.store.Driver(),
		ActivePrinters: summary.ActivePrinters,
		TotalJobs:      summary.TotalJobs,
		UptimeSeconds:  time.Since(s.started).Seconds(),
		QueueEnabled:   s.queue != nil,
	})
}
