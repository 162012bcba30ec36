package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/capture"
	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/middleware"
	"github.com/technosupport/ts-cctv/internal/stream"
)

type CameraHandler struct {
	DB      *sql.DB
	Cameras data.CameraModel
	Streams *stream.Manager
	Prober  *capture.Prober
	Log     zerolog.Logger
}

type cameraRequest struct {
	Name          string `json:"name"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	RTSPURL       string `json:"rtsp_url"`
	SubRTSPURL    string `json:"sub_rtsp_url"`
	RTSPPath      string `json:"rtsp_path"`
	AutoRecord    bool   `json:"auto_record"`
	Quality       string `json:"quality"`
	MaxRecHours   int    `json:"max_recording_hours"`
	RecordingMode string `json:"recording_mode"`
	IsPublic      bool   `json:"is_public"`
}

func (req *cameraRequest) validate() string {
	if req.Name == "" {
		return "name is required"
	}
	if req.RTSPURL == "" && (req.Host == "" || req.Port == 0) {
		return "either rtsp_url or host and port are required"
	}
	if req.RecordingMode != "" &&
		req.RecordingMode != data.RecordingModeServer &&
		req.RecordingMode != data.RecordingModeLocalClient {
		return "recording_mode must be server or local_client"
	}
	return ""
}

// POST /api/v1/cameras
func (h *CameraHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	var createdBy string
	if p, ok := middleware.GetPrincipal(r.Context()); ok {
		createdBy = p.UserID
	}

	cam := &data.Camera{
		Name:          req.Name,
		Host:          req.Host,
		Port:          req.Port,
		Username:      req.Username,
		Password:      req.Password,
		RTSPURL:       req.RTSPURL,
		SubRTSPURL:    req.SubRTSPURL,
		RTSPPath:      req.RTSPPath,
		AutoRecord:    req.AutoRecord,
		Quality:       req.Quality,
		MaxRecHours:   req.MaxRecHours,
		RecordingMode: req.RecordingMode,
		IsPublic:      req.IsPublic,
		IsActive:      true,
		CreatedBy:     createdBy,
	}
	if err := h.Cameras.Create(r.Context(), cam); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, cam)
}

// GET /api/v1/cameras
func (h *CameraHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := data.CameraFilter{}
	switch r.URL.Query().Get("active") {
	case "true":
		v := true
		filter.IsActive = &v
	case "false":
		v := false
		filter.IsActive = &v
	}
	if mode := r.URL.Query().Get("recording_mode"); mode != "" {
		filter.RecordingMode = mode
	}

	cams, err := h.Cameras.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"cameras": cams, "count": len(cams)})
}

// GET /api/v1/cameras/{id}
func (h *CameraHandler) Get(w http.ResponseWriter, r *http.Request) {
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
	respondJSON(w, http.StatusOK, cam)
}

// PUT /api/v1/cameras/{id}
func (h *CameraHandler) Update(w http.ResponseWriter, r *http.Request) {
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

	var req cameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	cam.Name = req.Name
	cam.Host = req.Host
	cam.Port = req.Port
	cam.Username = req.Username
	if req.Password != "" {
		cam.Password = req.Password
	}
	cam.RTSPURL = req.RTSPURL
	cam.SubRTSPURL = req.SubRTSPURL
	cam.RTSPPath = req.RTSPPath
	cam.AutoRecord = req.AutoRecord
	cam.Quality = req.Quality
	cam.MaxRecHours = req.MaxRecHours
	if req.RecordingMode != "" {
		cam.RecordingMode = req.RecordingMode
	}
	cam.IsPublic = req.IsPublic

	if err := h.Cameras.Update(r.Context(), cam); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cam)
}

// DELETE /api/v1/cameras/{id}
func (h *CameraHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return
	}

	// Stop any live pipelines before the rows go away.
	h.Streams.Stop(id, data.QualityMain)
	h.Streams.Stop(id, data.QualitySub)

	if err := h.Cameras.Delete(r.Context(), h.DB, id); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Camera not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/v1/cameras/{id}/activate and /deactivate
func (h *CameraHandler) SetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(r, "id")
		if !ok {
			respondError(w, http.StatusBadRequest, "Invalid camera ID")
			return
		}
		if !active {
			h.Streams.Stop(id, data.QualityMain)
			h.Streams.Stop(id, data.QualitySub)
		}
		if err := h.Cameras.SetActive(r.Context(), id, active); err != nil {
			if errors.Is(err, data.ErrRecordNotFound) {
				respondError(w, http.StatusNotFound, "Camera not found")
				return
			}
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": active})
	}
}

// POST /api/v1/cameras/{id}/test-connection
func (h *CameraHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
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

	quality := r.URL.Query().Get("quality")
	url := cam.ResolveURL(quality)
	if url == "" {
		respondError(w, http.StatusBadRequest, "Camera has no usable RTSP URL")
		return
	}

	res := h.Prober.Probe(r.Context(), url)

	status := data.CameraStatusOK
	if !res.Reachable {
		status = data.CameraStatusError
	}
	streaming := h.Streams.Running(id, data.QualityMain) || h.Streams.Running(id, data.QualitySub)
	if err := h.Cameras.SetRuntimeFlags(r.Context(), id, res.Reachable, streaming, status); err != nil {
		h.Log.Error().Err(err).Str("camera_id", id.String()).Msg("update camera flags")
	}

	respondJSON(w, http.StatusOK, res)
}

// GET /api/v1/cameras/{id}/status
func (h *CameraHandler) Status(w http.ResponseWriter, r *http.Request) {
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

	respondJSON(w, http.StatusOK, map[string]any{
		"id":           cam.ID,
		"name":         cam.Name,
		"is_active":    cam.IsActive,
		"is_online":    cam.Online(timeNow()),
		"is_streaming": cam.IsStreaming,
		"status":       cam.Status,
		"stream_health": map[string]string{
			data.QualityMain: h.Streams.Health(id, data.QualityMain),
			data.QualitySub:  h.Streams.Health(id, data.QualitySub),
		},
		"viewers": map[string]int{
			data.QualityMain: h.Streams.Viewers(id, data.QualityMain),
			data.QualitySub:  h.Streams.Viewers(id, data.QualitySub),
		},
	})
}
