package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/middleware"
)

// AgentHandler is the operator-facing management surface for remote
// recording agents.
type AgentHandler struct {
	DB      *sql.DB
	Agents  data.AgentModel
	Cameras data.CameraModel
	Log     zerolog.Logger
}

// POST /api/v1/agents
//
// The bearer token is returned exactly once in this response.
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	token, err := data.NewToken()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	agent := &data.AgentClient{Name: req.Name}
	if err := h.Agents.Create(r.Context(), agent, token); err != nil {
		if errors.Is(err, data.ErrDuplicateToken) {
			respondError(w, http.StatusConflict, "Token collision, retry")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"agent": agent, "token": token})
}

// GET /api/v1/agents
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Agents.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

// GET /api/v1/agents/{id}
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid agent ID")
		return
	}
	agent, err := h.Agents.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Agent not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cameraIDs, err := h.Cameras.ListAssignedIDs(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agent": agent, "camera_ids": cameraIDs})
}

// DELETE /api/v1/agents/{id}
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid agent ID")
		return
	}
	if err := h.Agents.Delete(r.Context(), id); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Agent not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PUT /api/v1/agents/{id}/cameras
func (h *AgentHandler) AssignCameras(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid agent ID")
		return
	}
	if _, err := h.Agents.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Agent not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req struct {
		CameraIDs []uuid.UUID `json:"camera_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := h.Cameras.AssignToAgent(r.Context(), h.DB, id, req.CameraIDs); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agent_id": id, "camera_ids": req.CameraIDs})
}

// LocalClientHandler is the /local-client protocol served to remote
// agents. Every route runs behind AgentAuth, so GetAgent always
// resolves.
type LocalClientHandler struct {
	Agents     data.AgentModel
	Cameras    data.CameraModel
	Schedules  data.ScheduleModel
	Recordings data.RecordingModel
	Log        zerolog.Logger
}

func requireAgent(w http.ResponseWriter, r *http.Request) (*data.AgentClient, bool) {
	agent, ok := middleware.GetAgent(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Agent authentication required")
		return nil, false
	}
	return agent, true
}

// GET /local-client/cameras
func (h *LocalClientHandler) ListCameras(w http.ResponseWriter, r *http.Request) {
	agent, ok := requireAgent(w, r)
	if !ok {
		return
	}
	active := true
	cams, err := h.Cameras.List(r.Context(), data.CameraFilter{
		IsActive:      &active,
		RecordingMode: data.RecordingModeLocalClient,
		AssignedTo:    &agent.ID,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Passwords never serialize, so hand the agent fully resolved URLs
	// with credentials embedded.
	for _, cam := range cams {
		cam.RTSPURL = cam.ResolveURL(data.QualityMain)
		cam.SubRTSPURL = cam.ResolveURL(data.QualitySub)
	}
	respondJSON(w, http.StatusOK, map[string]any{"cameras": cams, "count": len(cams)})
}

// GET /local-client/schedules?last_sync=RFC3339
//
// With last_sync set only schedules updated since then are returned, so
// agents can poll cheaply.
func (h *LocalClientHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	agent, ok := requireAgent(w, r)
	if !ok {
		return
	}
	filter := data.ScheduleFilter{AssignedTo: &agent.ID}
	if raw := r.URL.Query().Get("last_sync"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid last_sync timestamp")
			return
		}
		filter.UpdatedAfter = &t
	}

	schedules, err := h.Schedules.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"schedules":   schedules,
		"count":       len(schedules),
		"server_time": timeNow().UTC().Format(time.RFC3339),
	})
}

// POST /local-client/recordings/register
//
// An agent announces a recording it started. The row carries the agent
// name so operators can tell remote captures from server ones.
func (h *LocalClientHandler) RegisterRecording(w http.ResponseWriter, r *http.Request) {
	agent, ok := requireAgent(w, r)
	if !ok {
		return
	}

	var req struct {
		ID         uuid.UUID  `json:"id"`
		CameraID   uuid.UUID  `json:"camera_id"`
		ScheduleID *uuid.UUID `json:"schedule_id"`
		Name       string     `json:"name"`
		FilePath   string     `json:"file_path"`
		StartedAt  time.Time  `json:"started_at"`
		Resolution string     `json:"resolution"`
		Codec      string     `json:"codec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.CameraID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "camera_id is required")
		return
	}
	cam, err := h.Cameras.GetByID(r.Context(), req.CameraID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Camera not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cam.RecordingMode != data.RecordingModeLocalClient {
		respondError(w, http.StatusUnprocessableEntity, "Camera is not in local_client mode")
		return
	}
	assigned, err := h.Cameras.ListAssignedIDs(r.Context(), agent.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	owned := false
	for _, id := range assigned {
		if id == req.CameraID {
			owned = true
			break
		}
	}
	if !owned {
		respondError(w, http.StatusForbidden, "Camera is not assigned to this client")
		return
	}

	rec := &data.Recording{
		ID:          req.ID,
		CameraID:    req.CameraID,
		ScheduleID:  req.ScheduleID,
		Name:        req.Name,
		FilePath:    req.FilePath,
		StorageType: data.StorageLocal,
		StartedAt:   req.StartedAt,
		Status:      data.RecordingActive,
		Resolution:  req.Resolution,
		Codec:       req.Codec,
		RecordedBy:  agent.Name,
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = timeNow()
	}
	if err := h.Recordings.Create(r.Context(), rec); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

// POST /local-client/recordings/status
//
// Terminal status push for a previously registered recording.
func (h *LocalClientHandler) RecordingStatus(w http.ResponseWriter, r *http.Request) {
	agent, ok := requireAgent(w, r)
	if !ok {
		return
	}

	var req struct {
		RecordingID   uuid.UUID  `json:"recording_id"`
		Status        string     `json:"status"`
		FileSize      int64      `json:"file_size"`
		Duration      float64    `json:"duration"`
		FramesWritten int64      `json:"frames_written"`
		FrameRate     float64    `json:"frame_rate"`
		EndedAt       *time.Time `json:"ended_at"`
		ErrorMessage  string     `json:"error_message"`
		UploadStatus  string     `json:"upload_status"`
		ObjectKey     string     `json:"object_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	switch req.Status {
	case data.RecordingCompleted, data.RecordingFailed, data.RecordingStopped, data.RecordingActive:
	default:
		respondError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	rec, err := h.Recordings.GetByID(r.Context(), req.RecordingID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Recording not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec.RecordedBy != agent.Name {
		respondError(w, http.StatusForbidden, "Recording belongs to another client")
		return
	}

	// Pushes carry only the fields the agent knows at that moment; an
	// upload confirmation must not wipe the stats of the terminal push.
	rec.Status = req.Status
	if req.FileSize > 0 {
		rec.FileSize = req.FileSize
	}
	if req.Duration > 0 {
		rec.Duration = req.Duration
	}
	if req.FramesWritten > 0 {
		rec.FramesWritten = req.FramesWritten
	}
	if req.FrameRate > 0 {
		rec.FrameRate = req.FrameRate
	}
	if req.EndedAt != nil {
		rec.EndedAt = req.EndedAt
	}
	if req.ErrorMessage != "" {
		rec.ErrorMessage = req.ErrorMessage
	}
	if req.UploadStatus != "" {
		rec.UploadStatus = req.UploadStatus
	}
	if req.ObjectKey != "" {
		rec.StorageType = data.StorageCloud
		rec.FilePath = req.ObjectKey
	}
	if err := h.Recordings.Update(r.Context(), rec); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// POST /local-client/heartbeat
func (h *LocalClientHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agent, ok := requireAgent(w, r)
	if !ok {
		return
	}

	var req struct {
		SystemInfo json.RawMessage `json:"system_info"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
	}

	if err := h.Agents.Heartbeat(r.Context(), agent.ID, clientAddr(r), req.SystemInfo); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      data.AgentOnline,
		"server_time": timeNow().UTC().Format(time.RFC3339),
	})
}

// GET /local-client/validate
//
// A no-op behind AgentAuth; agents call it at startup to verify their
// token before doing anything else.
func (h *LocalClientHandler) Validate(w http.ResponseWriter, r *http.Request) {
	agent, ok := requireAgent(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agent_id": agent.ID, "name": agent.Name})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
