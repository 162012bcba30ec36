package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/technosupport/ts-cctv/internal/capture"
	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/session"
	"github.com/technosupport/ts-cctv/internal/stream"
)

const (
	// mjpegBoundary separates parts in the multipart stream.
	mjpegBoundary = "frame"

	// staleReuseLimit caps how many times one frame is re-sent while
	// the pipeline produces nothing new.
	staleReuseLimit = 3

	// livenessWindow with no fresh frame triggers one recovery
	// attempt per viewer connection.
	livenessWindow = 5 * time.Second

	sessionTouchInterval = 30 * time.Second
)

type LiveHandler struct {
	Cameras  data.CameraModel
	Streams  *stream.Manager
	Sessions *session.Manager
	Prober   *capture.Prober
	Log      zerolog.Logger

	// RequirePublic restricts the handler to cameras flagged public.
	// Set on the instance mounted outside authentication.
	RequirePublic bool
}

func (h *LiveHandler) loadCamera(w http.ResponseWriter, r *http.Request) (*data.Camera, bool) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return nil, false
	}
	cam, err := h.Cameras.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Camera not found")
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if h.RequirePublic && !cam.IsPublic {
		respondError(w, http.StatusNotFound, "Camera not found")
		return nil, false
	}
	if !cam.IsActive {
		respondError(w, http.StatusConflict, "Camera is deactivated")
		return nil, false
	}
	return cam, true
}

// GET /api/v1/cameras/{id}/live?quality=main|sub
//
// Serves multipart MJPEG until the client disconnects. The pipeline is
// started on demand and torn down when the last viewer leaves.
func (h *LiveHandler) Stream(w http.ResponseWriter, r *http.Request) {
	cam, ok := h.loadCamera(w, r)
	if !ok {
		return
	}
	quality := r.URL.Query().Get("quality")
	if quality == "" {
		quality = data.QualityMain
	}

	if !h.Streams.Running(cam.ID, quality) {
		if err := h.Streams.Start(r.Context(), cam, quality); err != nil &&
			!errors.Is(err, stream.ErrAlreadyStreaming) {
			respondError(w, http.StatusBadGateway, "Camera unreachable")
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	h.Streams.AddViewer(cam.ID, quality)
	defer h.Streams.RemoveViewer(cam.ID, quality)

	sessionID := uuid.NewString()
	if h.Sessions != nil {
		if err := h.Sessions.Register(r.Context(), cam.ID, quality, sessionID); err != nil {
			h.Log.Warn().Err(err).Msg("register viewer session")
		}
		defer h.Sessions.Deregister(r.Context(), sessionID)
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Connection", "close")
	w.Header().Set("X-Camera-Name", cam.Name)
	w.Header().Set("X-Stream-Quality", quality)
	w.WriteHeader(http.StatusOK)

	limiter := rate.NewLimiter(rate.Limit(stream.StreamFPS), 1)

	var lastSent time.Time
	var lastFresh time.Time
	reused := 0
	recovered := false
	lastTouch := time.Now()

	for {
		if err := limiter.Wait(r.Context()); err != nil {
			return
		}

		frame, ok := h.Streams.Frame(cam.ID, quality)
		if !ok {
			if h.Streams.Health(cam.ID, quality) == stream.HealthInactive {
				return
			}
			continue
		}

		fresh := frame.Timestamp.After(lastSent)
		if fresh {
			reused = 0
			lastFresh = frame.Timestamp
		} else {
			// Hold the line with the previous frame a few times, then
			// wait for real footage.
			reused++
			if reused > staleReuseLimit {
				if !lastFresh.IsZero() && time.Since(lastFresh) > livenessWindow && !recovered {
					recovered = true
					h.Log.Warn().
						Str("camera_id", cam.ID.String()).
						Str("quality", quality).
						Msg("stream stalled, attempting recovery")
					if err := h.Streams.Recover(r.Context(), cam, quality); err != nil {
						return
					}
					reused = 0
				}
				continue
			}
		}
		lastSent = frame.Timestamp

		if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
			mjpegBoundary, len(frame.Data)); err != nil {
			return
		}
		if _, err := w.Write(frame.Data); err != nil {
			return
		}
		if _, err := fmt.Fprint(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()

		if h.Sessions != nil && time.Since(lastTouch) > sessionTouchInterval {
			lastTouch = time.Now()
			if err := h.Sessions.Touch(r.Context(), sessionID); err != nil {
				h.Log.Debug().Err(err).Msg("touch viewer session")
			}
		}
	}
}

// GET /api/v1/cameras/{id}/snapshot
//
// Returns one JPEG. A running pipeline answers from memory; otherwise
// a one-shot grab hits the camera directly.
func (h *LiveHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	cam, ok := h.loadCamera(w, r)
	if !ok {
		return
	}
	quality := r.URL.Query().Get("quality")
	if quality == "" {
		quality = data.QualityMain
	}

	frame, ok := h.Streams.Frame(cam.ID, quality)
	if !ok {
		url := cam.ResolveURL(quality)
		if url == "" {
			respondError(w, http.StatusBadRequest, "Camera has no usable RTSP URL")
			return
		}
		grabbed, err := h.Prober.GrabFrame(r.Context(), url)
		if err != nil {
			respondError(w, http.StatusBadGateway, "Camera unreachable")
			return
		}
		frame = grabbed
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Camera-Name", cam.Name)
	w.Write(frame.Data)
}

// GET /api/v1/cameras/{id}/thumbnail
//
// Like Snapshot but never touches the camera: 204 when no frame is in
// memory.
func (h *LiveHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	cam, ok := h.loadCamera(w, r)
	if !ok {
		return
	}
	frame, ok := h.Streams.Frame(cam.ID, data.QualityMain)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Camera-Name", cam.Name)
	w.Write(frame.Data)
}

// POST /api/v1/cameras/{id}/stream/start
func (h *LiveHandler) Start(w http.ResponseWriter, r *http.Request) {
	cam, ok := h.loadCamera(w, r)
	if !ok {
		return
	}
	quality := r.URL.Query().Get("quality")

	err := h.Streams.Start(r.Context(), cam, quality)
	switch {
	case errors.Is(err, stream.ErrAlreadyStreaming):
		respondError(w, http.StatusConflict, "Stream already running")
	case errors.Is(err, capture.ErrCameraOffline):
		respondError(w, http.StatusBadGateway, "Camera unreachable")
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, map[string]any{"camera_id": cam.ID, "streaming": true})
	}
}

// POST /api/v1/cameras/{id}/stream/stop
func (h *LiveHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return
	}
	quality := r.URL.Query().Get("quality")

	if err := h.Streams.Stop(id, quality); err != nil {
		if errors.Is(err, stream.ErrNotStreaming) {
			respondError(w, http.StatusConflict, "Stream not running")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"camera_id": id, "streaming": false})
}

// POST /api/v1/cameras/{id}/stream/recover
func (h *LiveHandler) Recover(w http.ResponseWriter, r *http.Request) {
	cam, ok := h.loadCamera(w, r)
	if !ok {
		return
	}
	quality := r.URL.Query().Get("quality")

	if err := h.Streams.Recover(r.Context(), cam, quality); err != nil {
		if errors.Is(err, capture.ErrCameraOffline) {
			respondError(w, http.StatusBadGateway, "Camera unreachable")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"camera_id": cam.ID, "recovered": true})
}

// GET /api/v1/cameras/{id}/stream/health
func (h *LiveHandler) Health(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid camera ID")
		return
	}
	quality := r.URL.Query().Get("quality")
	if quality == "" {
		quality = data.QualityMain
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"camera_id": id,
		"quality":   quality,
		"health":    h.Streams.Health(id, quality),
		"viewers":   h.Streams.Viewers(id, quality),
	})
}
