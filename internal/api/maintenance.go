package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"printlog/internal/models"
	"printlog/internal/store"
)

type createMaintenanceRequest struct {
	PrinterID   int64     `json:"printer_id" validate:"required,gt=0"`
	Date        time.Time `json:"date" validate:"required"`
	Category    string    `json:"category" validate:"required,max=100"`
	Description string    `json:"description" validate:"required,max=500"`
	Done        bool      `json:"done"`
	Cost        *float64  `json:"cost" validate:"omitempty,gte=0"`
	Notes       *string   `json:"notes" validate:"omitempty,max=2000"`
}

type updateMaintenanceRequest struct {
	Date        *time.Time `json:"date"`
	Category    *string    `json:"category" validate:"omitempty,min=1,max=100"`
	Description *string    `json:"description" validate:"omitempty,min=1,max=500"`
	Done        *bool      `json:"done"`
	Cost        *float64   `json:"cost" validate:"omitempty,gte=0"`
	Notes       *string    `json:"notes" validate:"omitempty,max=2000"`
}

type listMaintenanceQuery struct {
	PrinterID int64 `json:"printer_id" validate:"gte=0"`
	Done      *bool `json:"done"`
	Limit     int   `json:"limit" validate:"min=1,max=100"`
	Offset    int   `json:"offset" validate:"gte=0"`
}

type maintenancePage struct {
	Items   []models.MaintenanceRecord `json:"items"`
	Total   int                        `json:"total"`
	Limit   int                        `json:"limit"`
	Offset  int                        `json:"offset"`
	HasMore bool                       `json:"has_more"`
}

func (s *Server) handleListMaintenance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := listMaintenanceQuery{Limit: 20}
	var err error
	if v := q.Get("printer_id"); v != "" {
		if req.PrinterID, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid printer_id")
			return
		}
	}
	if v := q.Get("done"); v != "" {
		done, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid done")
			return
		}
		req.Done = &done
	}
	if v := q.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if req.Offset, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
	}
	if !validRequest(w, &req) {
		return
	}

	items, total, err := s.store.ListMaintenance(r.Context(), store.MaintenanceFilter{
		PrinterID: req.PrinterID, Done: req.Done, Limit: req.Limit, Offset: req.Offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []models.MaintenanceRecord{}
	}
	writeJSON(w, http.StatusOK, maintenancePage{
		Items:   items,
		Total:   total,
		Limit:   req.Limit,
		Offset:  req.Offset,
		HasMore: req.Offset+len(items) < total,
	})
}

func (s *Server) handleCreateMaintenance(w http.ResponseWriter, r *http.Request) {
	var req createMaintenanceRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	rec, err := s.store.CreateMaintenance(r.Context(), store.MaintenanceParams{
		PrinterID:   req.PrinterID,
		Date:        req.Date,
		Category:    req.Category,
		Description: req.Description,
		Done:        req.Done,
		Cost:        req.Cost,
		Notes:       req.Notes,
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "printer not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func maintenanceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid maintenance id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetMaintenance(w http.ResponseWriter, r *http.Request) {
	id, ok := maintenanceID(w, r)
	if !ok {
		return
	}
	rec, err := s.store.GetMaintenance(r.Context(), id)
	s.writeMaintenance(w, rec, err)
}

func (s *Server) handleUpdateMaintenance(w http.ResponseWriter, r *http.Request) {
	id, ok := maintenanceID(w, r)
	if !ok {
		return
	}
	var req updateMaintenanceRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	rec, err := s.store.UpdateMaintenance(r.Context(), id, store.MaintenancePatch{
		Date:        req.Date,
		Category:    req.Category,
		Description: req.Description,
		Done:        req.Done,
		Cost:        req.Cost,
		Notes:       req.Notes,
	})
	s.writeMaintenance(w, rec, err)
}

func (s *Server) handleDeleteMaintenance(w http.ResponseWriter, r *http.Request) {
	id, ok := maintenanceID(w, r)
	if !ok {
		return
	}
	err := s.store.DeleteMaintenance(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "maintenance record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeMaintenance(w http.ResponseWriter, rec models.MaintenanceRecord, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "maintenance record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
