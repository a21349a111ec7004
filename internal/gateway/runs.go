// ABOUTME: HTTP surface for starting, inspecting and cancelling runs
// ABOUTME: Includes the default demonstration task exercising the pipeline

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/netra-systems/pulse-gateway/internal/auth"
	"github.com/netra-systems/pulse-gateway/internal/execution"
)

type runResponse struct {
	RunID     string `json:"run_id"`
	ContextID string `json:"context_id"`
	UserID    string `json:"user_id"`
	Lifecycle string `json:"lifecycle"`
	CreatedAt string `json:"created_at"`
}

type createRunRequest struct {
	RequestID string `json:"request_id"`
}

func runToResponse(ec *execution.Context) runResponse {
	return runResponse{
		RunID:     ec.RunID,
		ContextID: ec.ID,
		UserID:    ec.UserID,
		Lifecycle: ec.Lifecycle().String(),
		CreatedAt: ec.CreatedAt.Format(time.RFC3339),
	}
}

// handleCreateRun creates an execution context for the authenticated user
// and starts the configured task. The run ID comes back immediately;
// progress arrives over the user's WebSocket connections.
func (g *Gateway) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req createRunRequest
	if r.Body != nil {
		// An empty or absent body is fine; request_id is optional.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	ec, err := g.factory.Create(identity.UserID, req.RequestID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.factory.Start(ec, g.task)
	respondJSON(w, http.StatusAccepted, runToResponse(ec))
}

// handleGetRun returns the live state of a run. Only the owning user may
// inspect it.
func (g *Gateway) handleGetRun(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	ec, ok := g.factory.Get(chi.URLParam(r, "id"))
	if !ok || ec.UserID != identity.UserID {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	respondJSON(w, http.StatusOK, runToResponse(ec))
}

// handleCancelRun cancels a live run. Events already handed to the router
// still deliver; nothing further is emitted.
func (g *Gateway) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	runID := chi.URLParam(r, "id")
	ec, ok := g.factory.Get(runID)
	if !ok || ec.UserID != identity.UserID {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}

	if err := g.factory.Cancel(runID); err != nil {
		if errors.Is(err, execution.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "cancelled"})
}

// DefaultTask is a small demonstration task that walks the full lifecycle.
// Real deployments replace it via SetTask.
func DefaultTask(ctx context.Context, run *execution.Context) error {
	if err := run.EmitStarted("pulse-agent"); err != nil {
		return err
	}
	if err := run.EmitThinking(); err != nil {
		return err
	}
	if err := run.EmitToolExecuting("echo"); err != nil {
		return err
	}
	if err := run.EmitToolCompleted(map[string]any{"output": "ok"}); err != nil {
		return err
	}
	run.Complete("run finished")
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing useful left to do.
		return
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
