package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"stepflow/internal/orchestrator"
	"stepflow/internal/workflow"
)

// handleListTemplates handles GET /templates
func (s *HTTPServer) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	catalog := s.facade.Templates()
	if catalog == nil {
		respondJSON(w, http.StatusOK, TemplateListResponse{Templates: []TemplateSummary{}})
		return
	}

	templates, err := catalog.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list templates: %v", err), orchestrator.CodeInternal)
		return
	}

	list := make([]TemplateSummary, 0, len(templates))
	for _, tpl := range templates {
		list = append(list, TemplateSummary{
			Name:        tpl.Name,
			Description: tpl.Description,
			StepCount:   len(tpl.Steps),
			BuiltIn:     tpl.BuiltIn,
		})
	}
	respondJSON(w, http.StatusOK, TemplateListResponse{Templates: list})
}

// handleGetTemplate handles GET /templates/{name}
func (s *HTTPServer) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	catalog := s.facade.Templates()
	if catalog == nil {
		respondError(w, http.StatusNotFound, fmt.Sprintf("template %q not found", name), orchestrator.CodeNotFound)
		return
	}

	tpl, err := catalog.Get(name)
	if err != nil {
		if errors.Is(err, workflow.ErrTemplateNotFound) {
			respondError(w, http.StatusNotFound, err.Error(), orchestrator.CodeNotFound)
			return
		}
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load template: %v", err), orchestrator.CodeInternal)
		return
	}
	respondJSON(w, http.StatusOK, tpl)
}

// handleCreateRun handles POST /runs
func (s *HTTPServer) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), orchestrator.CodeInvalidRequest)
		return
	}
	if req.ProjectID == "" {
		respondError(w, http.StatusBadRequest, "projectId is required", orchestrator.CodeInvalidRequest)
		return
	}

	run, err := s.facade.CreateRun(r.Context(), orchestrator.CreateRunRequest{
		ProjectID: req.ProjectID,
		Name:      req.Name,
		Template:  req.Template,
		Steps:     req.Steps,
	})
	if err != nil {
		respondFacadeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, run)
}

// handleGetRun handles GET /runs/{runId}
func (s *HTTPServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.facade.GetRun(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		respondFacadeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// handleListSteps handles GET /steps/{runId}
func (s *HTTPServer) handleListSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	steps, err := s.facade.ListSteps(r.Context(), runID)
	if err != nil {
		respondFacadeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StepListResponse{WorkflowID: runID, Steps: steps})
}

// handleStartStep handles POST /step/start
func (s *HTTPServer) handleStartStep(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeStepAction(w, r)
	if !ok {
		return
	}
	status, err := s.facade.StartStep(r.Context(), req)
	if err != nil {
		respondFacadeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleStepTransition serves POST /step/approve|reject|revision|resubmit.
func (s *HTTPServer) handleStepTransition(op func(context.Context, orchestrator.StepRequest) (*orchestrator.StepView, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeStepAction(w, r)
		if !ok {
			return
		}
		step, err := op(r.Context(), req)
		if err != nil {
			respondFacadeError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, step)
	}
}

func decodeStepAction(w http.ResponseWriter, r *http.Request) (orchestrator.StepRequest, bool) {
	var body StepActionRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), orchestrator.CodeInvalidRequest)
		return orchestrator.StepRequest{}, false
	}
	if body.StepID == "" {
		respondError(w, http.StatusBadRequest, "stepId is required", orchestrator.CodeInvalidRequest)
		return orchestrator.StepRequest{}, false
	}
	return orchestrator.StepRequest{
		RunID:    body.WorkflowID,
		StepID:   body.StepID,
		Actor:    body.UserID,
		Comments: body.Comments,
	}, true
}

// handleStepMessage handles POST /step/message
func (s *HTTPServer) handleStepMessage(w http.ResponseWriter, r *http.Request) {
	var body StepMessageRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), orchestrator.CodeInvalidRequest)
		return
	}

	msg, err := s.facade.RecordMessage(r.Context(), orchestrator.MessageRequest{
		RunID:      body.WorkflowID,
		StepID:     body.StepID,
		AuthorType: workflow.AuthorType(body.AuthorType),
		AuthorID:   body.AuthorID,
		Content:    body.Content,
	})
	if err != nil {
		respondFacadeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}
