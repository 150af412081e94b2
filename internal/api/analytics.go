package api

import (
	"net/http"

	"printlog/internal/models"
)

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.FleetSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePrinterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.PrinterStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stats == nil {
		stats = []models.PrinterStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFilamentUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.store.FilamentUsage(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if usage == nil {
		usage = []models.FilamentUsage{}
	}
	writeJSON(w, http.StatusOK, usage)
}

type timelineQuery struct {
	Period string `json:"period" validate:"oneof=day week month"`
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	req := timelineQuery{Period: string(models.PeriodDay)}
	if v := r.URL.Query().Get("period"); v != "" {
		req.Period = v
	}
	if !validRequest(w, &req) {
		return
	}
	entries, err := s.store.Timeline(r.Context(), models.TimelinePeriod(req.Period))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
