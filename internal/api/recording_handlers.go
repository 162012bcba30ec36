package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/capture"
	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/middleware"
	"github.com/technosupport/ts-cctv/internal/objstore"
	"github.com/technosupport/ts-cctv/internal/record"
)

type RecordingHandler struct {
	Cameras    data.CameraModel
	Recordings data.RecordingModel
	Transfers  data.TransferModel
	Recorder   *record.Manager
	Store      objstore.Store
	SignedTTL  time.Duration
	Log        zerolog.Logger
}

// POST /api/v1/cameras/{id}/record/start
func (h *RecordingHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return
	}
	cam, err := h.Cameras.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Camera not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !cam.IsActive {
		respondError(w, http.StatusConflict, "Camera is deactivated")
		return
	}
	if cam.RecordingMode != data.RecordingModeServer {
		respondError(w, http.StatusConflict, "Camera is recorded by a local client")
		return
	}

	var req struct {
		Name            string `json:"name"`
		DurationMinutes int    `json:"duration_minutes"`
		Quality         string `json:"quality"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}
	if req.DurationMinutes < 0 {
		respondError(w, http.StatusBadRequest, "duration_minutes must not be negative")
		return
	}

	var createdBy string
	if p, ok := middleware.GetPrincipal(r.Context()); ok {
		createdBy = p.UserID
	}

	rec, err := h.Recorder.Start(r.Context(), cam, record.Params{
		Name:      req.Name,
		Duration:  time.Duration(req.DurationMinutes) * time.Minute,
		Quality:   req.Quality,
		CreatedBy: createdBy,
	})
	switch {
	case errors.Is(err, record.ErrAlreadyRecording):
		respondError(w, http.StatusConflict, "Camera is already recording")
	case errors.Is(err, record.ErrTooManyRecordings):
		respondError(w, http.StatusServiceUnavailable, "Recording capacity reached")
	case errors.Is(err, capture.ErrCameraOffline):
		respondError(w, http.StatusBadGateway, "Camera unreachable")
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusCreated, rec)
	}
}

// POST /api/v1/cameras/{id}/record/stop
func (h *RecordingHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return
	}
	rec, err := h.Recorder.Stop(r.Context(), id)
	if err != nil {
		if errors.Is(err, record.ErrNotRecording) {
			respondError(w, http.StatusConflict, "Camera is not recording")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// GET /api/v1/recordings
func (h *RecordingHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := data.RecordingFilter{Limit: 200}
	q := r.URL.Query()

	if raw := q.Get("camera_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid camera_id")
			return
		}
		filter.CameraID = &id
	}
	if status := q.Get("status"); status != "" {
		filter.Status = status
	}
	if storage := q.Get("storage_type"); storage != "" {
		filter.StorageType = storage
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if raw := q.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				respondError(w, http.StatusBadRequest, "Invalid "+name+" timestamp")
				return
			}
			*dst = &t
		}
	}

	recs, err := h.Recordings.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"recordings": recs, "count": len(recs)})
}

// GET /api/v1/recordings/{id}
func (h *RecordingHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRecording(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// GET /api/v1/recordings/{id}/download
//
// Local recordings are served from disk; archived ones redirect to a
// signed object URL.
func (h *RecordingHandler) Download(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRecording(w, r)
	if !ok {
		return
	}
	if rec.Status == data.RecordingActive {
		respondError(w, http.StatusConflict, "Recording is still in progress")
		return
	}

	if rec.StorageType == data.StorageLocal {
		if _, err := os.Stat(rec.FilePath); err != nil {
			respondError(w, http.StatusNotFound, "Recording file missing")
			return
		}
		w.Header().Set("Content-Type", objstore.ContentType(rec.FilePath))
		http.ServeFile(w, r, rec.FilePath)
		return
	}

	if !h.Store.Enabled() {
		respondError(w, http.StatusConflict, "Object storage is not configured")
		return
	}
	url, err := h.Store.URL(r.Context(), rec.FilePath, true, h.SignedTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// DELETE /api/v1/recordings/{id}
func (h *RecordingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadRecording(w, r)
	if !ok {
		return
	}
	if rec.Status == data.RecordingActive {
		respondError(w, http.StatusConflict, "Recording is still in progress")
		return
	}

	if rec.StorageType == data.StorageLocal && rec.FilePath != "" {
		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if job, err := h.Transfers.GetByRecording(r.Context(), rec.ID); err == nil &&
		job.ObjectKey != "" && h.Store.Enabled() {
		if err := h.Store.Delete(r.Context(), job.ObjectKey); err != nil {
			h.Log.Error().Err(err).Str("recording_id", rec.ID.String()).Msg("remove archived object")
		}
	}

	if err := h.Recordings.Delete(r.Context(), rec.ID); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Recording not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RecordingHandler) loadRecording(w http.ResponseWriter, r *http.Request) (*data.Recording, bool) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid recording ID")
		return nil, false
	}
	rec, err := h.Recordings.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Recording not found")
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return rec, true
}
