package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-cctv/internal/data"
	"github.com/technosupport/ts-cctv/internal/objstore"
	"github.com/technosupport/ts-cctv/internal/transfer"
)

type TransferHandler struct {
	Recordings data.RecordingModel
	Transfers  data.TransferModel
	Worker     *transfer.Worker
	Store      objstore.Store
	Log        zerolog.Logger
}

// POST /api/v1/recordings/transfer-to-cloud
func (h *TransferHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	if !h.Store.Enabled() {
		respondError(w, http.StatusConflict, "Object storage is not configured")
		return
	}

	var req struct {
		RecordingID string `json:"recording_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	id, err := uuid.Parse(req.RecordingID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid recording_id")
		return
	}

	rec, err := h.Recordings.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Recording not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec.Status != data.RecordingCompleted {
		respondError(w, http.StatusConflict, "Only completed recordings can be archived")
		return
	}
	if rec.StorageType != data.StorageLocal {
		respondError(w, http.StatusConflict, "Recording is already archived")
		return
	}

	if err := h.Worker.Enqueue(rec); err != nil {
		if errors.Is(err, transfer.ErrQueueFull) {
			respondError(w, http.StatusServiceUnavailable, "Transfer queue is full")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"recording_id": rec.ID, "queued": true})
}

// GET /api/v1/recordings/cloud-transfers?state=
func (h *TransferHandler) List(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")

	if state != "" {
		jobs, err := h.Transfers.ListByState(r.Context(), state, 200)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"transfers": jobs, "count": len(jobs)})
		return
	}

	var all []*data.TransferJob
	for _, s := range []string{
		data.TransferPending, data.TransferUploading, data.TransferCompleted,
		data.TransferCleanupPending, data.TransferCleanupCompleted, data.TransferFailed,
	} {
		jobs, err := h.Transfers.ListByState(r.Context(), s, 200)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		all = append(all, jobs...)
	}
	respondJSON(w, http.StatusOK, map[string]any{"transfers": all, "count": len(all)})
}

// GET /api/v1/recordings/{id}/transfer
func (h *TransferHandler) GetByRecording(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid recording ID")
		return
	}
	job, err := h.Transfers.GetByRecording(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "No transfer for recording")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// POST /api/v1/transfers/{id}/retry
//
// Resets a failed job and feeds its recording back into the queue.
func (h *TransferHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid transfer ID")
		return
	}
	job, err := h.Transfers.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Transfer not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job.State != data.TransferFailed {
		respondError(w, http.StatusConflict, "Only failed transfers can be retried")
		return
	}

	if err := h.Transfers.ResetRetries(r.Context(), job.ID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rec, err := h.Recordings.GetByID(r.Context(), job.RecordingID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.Worker.Enqueue(rec); err != nil {
		if errors.Is(err, transfer.ErrQueueFull) {
			respondError(w, http.StatusServiceUnavailable, "Transfer queue is full")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"transfer_id": job.ID, "queued": true})
}
