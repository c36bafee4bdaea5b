package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"stepflow/internal/agent"
	"stepflow/internal/orchestrator"
)

// handleStepStatus handles GET /task-management/step-status/{stepId}
func (s *HTTPServer) handleStepStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.facade.StepStatus(r.Context(), chi.URLParam(r, "stepId"))
	if err != nil {
		respondFacadeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleCollaborationStatus handles GET /task-management/collaboration-status/{taskId}
func (s *HTTPServer) handleCollaborationStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.facade.CollaborationStatus(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		respondFacadeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleTaskProgress handles POST /task-management/tasks/{taskId}/progress
func (s *HTTPServer) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	var body TaskProgressRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), orchestrator.CodeInvalidRequest)
		return
	}

	task, err := s.facade.UpdateTaskProgress(r.Context(), orchestrator.TaskProgressRequest{
		TaskID:   chi.URLParam(r, "taskId"),
		AgentID:  body.AgentID,
		Status:   agent.TaskStatus(body.Status),
		Progress: body.Progress,
		Result:   body.Result,
	})
	if err != nil {
		respondFacadeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, TaskResponse{Task: task})
}

// handleCancelTask handles POST /task-management/tasks/{taskId}/cancel
func (s *HTTPServer) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var body CancelTaskRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), orchestrator.CodeInvalidRequest)
		return
	}

	task, err := s.facade.CancelTask(r.Context(), chi.URLParam(r, "taskId"), body.UserID)
	if err != nil {
		respondFacadeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, TaskResponse{Task: task})
}

// handleChainOp serves POST /task-management/collaboration/{taskId}/*.
func (s *HTTPServer) handleChainOp(op func(context.Context, orchestrator.ChainRequest) (*orchestrator.CollaborationView, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ChainActionRequest
		if err := decodeJSON(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error(), orchestrator.CodeInvalidRequest)
			return
		}

		view, err := op(r.Context(), orchestrator.ChainRequest{
			TaskID:   chi.URLParam(r, "taskId"),
			AgentID:  body.AgentID,
			Outcome:  agent.Outcome(body.Outcome),
			Progress: body.Progress,
			Note:     body.Note,
		})
		if err != nil {
			respondFacadeError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, view)
	}
}
