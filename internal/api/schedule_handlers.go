package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/middleware"
)

type ScheduleHandler struct {
	Cameras   data.CameraModel
	Schedules data.ScheduleModel
	Log       zerolog.Logger
}

type scheduleRequest struct {
	CameraID  uuid.UUID      `json:"camera_id"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	StartTime data.TimeOfDay `json:"start_time"`
	EndTime   data.TimeOfDay `json:"end_time"`
	StartDate *time.Time     `json:"start_date"`
	EndDate   *time.Time     `json:"end_date"`
	Weekdays  []string       `json:"weekdays"`
}

func (req *scheduleRequest) apply(s *data.Schedule) {
	s.CameraID = req.CameraID
	s.Name = req.Name
	s.Kind = req.Kind
	s.StartTime = req.StartTime
	s.EndTime = req.EndTime
	s.StartDate = req.StartDate
	s.EndDate = req.EndDate
	s.Weekdays = req.Weekdays
}

// POST /api/v1/schedules
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.CameraID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "camera_id is required")
		return
	}
	if _, err := h.Cameras.GetByID(r.Context(), req.CameraID); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Camera not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s := &data.Schedule{IsActive: true}
	req.apply(s)
	if p, ok := middleware.GetPrincipal(r.Context()); ok {
		s.CreatedBy = p.UserID
	}
	if err := s.Validate(timeNow()); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Schedules.Create(r.Context(), s); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, s)
}

// GET /api/v1/schedules?camera_id=&active=
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := data.ScheduleFilter{}
	q := r.URL.Query()

	if raw := q.Get("camera_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid camera_id")
			return
		}
		filter.CameraID = &id
	}
	switch q.Get("active") {
	case "true":
		v := true
		filter.IsActive = &v
	case "false":
		v := false
		filter.IsActive = &v
	}

	schedules, err := h.Schedules.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"schedules": schedules, "count": len(schedules)})
}

// GET /api/v1/schedules/{id}
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.loadSchedule(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s)
}

// PUT /api/v1/schedules/{id}
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	s, ok := h.loadSchedule(w, r)
	if !ok {
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.CameraID == uuid.Nil {
		req.CameraID = s.CameraID
	}
	req.apply(s)
	if err := s.Validate(timeNow()); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Schedules.Update(r.Context(), s); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Schedule not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s)
}

// DELETE /api/v1/schedules/{id}
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid schedule ID")
		return
	}
	if err := h.Schedules.Delete(r.Context(), id); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Schedule not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/v1/schedules/{id}/activate and /deactivate
func (h *ScheduleHandler) SetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(r, "id")
		if !ok {
			respondError(w, http.StatusBadRequest, "Invalid schedule ID")
			return
		}
		if err := h.Schedules.SetActive(r.Context(), id, active); err != nil {
			if errors.Is(err, data.ErrRecordNotFound) {
				respondError(w, http.StatusNotFound, "Schedule not found")
				return
			}
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": active})
	}
}

func (h *ScheduleHandler) loadSchedule(w http.ResponseWriter, r *http.Request) (*data.Schedule, bool) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid schedule ID")
		return nil, false
	}
	s, err := h.Schedules.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Schedule not found")
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return s, true
}
