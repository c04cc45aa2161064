package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/SakethKoona/distributed-dataset-processor/internal/store"
	"github.com/SakethKoona/distributed-dataset-processor/internal/workflows"
	"github.com/SakethKoona/distributed-dataset-processor/pkg/pipeline"
)

// Submitter accepts jobs for dispatch
type Submitter interface {
	Submit(ctx context.Context, job pipeline.Job) (pipeline.DispatchResult, error)
}

// BatchReader loads batch records
type BatchReader interface {
	GetBatch(ctx context.Context, batchID uuid.UUID) (*pipeline.Batch, error)
}

// AsyncHandler handles batch submission and status requests. Submission
// returns once stage tasks are on the bus; processing is asynchronous.
type AsyncHandler struct {
	submitter Submitter
	batches   BatchReader
	logger    *slog.Logger
}

// NewAsyncHandler creates a new async handler
func NewAsyncHandler(submitter Submitter, batches BatchReader, logger *slog.Logger) *AsyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncHandler{
		submitter: submitter,
		batches:   batches,
		logger:    logger,
	}
}

// HandleSubmit handles POST /v1/batches - dispatches the batch and returns immediately
func (h *AsyncHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var job pipeline.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	h.logger.Info("submitting batch", "dataset_key", job.DatasetKey, "operations", len(job.Operations))

	result, err := h.submitter.Submit(r.Context(), job)
	switch {
	case errors.Is(err, workflows.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, workflows.ErrNothingDispatched):
		h.logger.Error("batch not dispatched", "batch_id", result.BatchID, "error", err)
		writeJSON(w, http.StatusInternalServerError, submitResponse(result, "no stage task could be dispatched"))
		return
	case err != nil:
		h.logger.Error("failed to submit batch", "error", err)
		http.Error(w, fmt.Sprintf("Failed to submit batch: %v", err), http.StatusInternalServerError)
		return
	}

	message := "batch dispatched"
	if len(result.Failures) > 0 {
		message = fmt.Sprintf("batch partially dispatched: %d of %d stage tasks failed",
			len(result.Failures), len(result.Failures)+len(result.Successes))
	}

	// 202 Accepted: stage workers pick the batch up from the bus
	writeJSON(w, http.StatusAccepted, submitResponse(result, message))
}

// HandleStatus handles GET /v1/batches/{batchID} - returns the batch record
func (h *AsyncHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		http.Error(w, "batch_id must be a uuid", http.StatusBadRequest)
		return
	}

	batch, err := h.batches.GetBatch(r.Context(), batchID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get batch", "batch_id", batchID, "error", err)
		http.Error(w, "Failed to get batch", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, batch)
}

func submitResponse(result pipeline.DispatchResult, message string) pipeline.SubmitResponse {
	resp := pipeline.SubmitResponse{
		BatchID:       result.BatchID,
		TaskIDs:       make([]uuid.UUID, 0, len(result.Successes)),
		FailedTaskIDs: make([]uuid.UUID, 0, len(result.Failures)),
		Message:       message,
	}
	for _, task := range result.Successes {
		resp.TaskIDs = append(resp.TaskIDs, task.TaskID)
	}
	for _, task := range result.Failures {
		resp.FailedTaskIDs = append(resp.FailedTaskIDs, task.TaskID)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
