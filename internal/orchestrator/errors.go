package orchestrator

import (
	"errors"
	"net/http"

	"stepflow/internal/agent"
	"stepflow/internal/store"
	"stepflow/internal/workflow"
)

// Error codes returned to API clients.
const (
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeNotFound               = "NOT_FOUND"
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodePrecursorNotApproved   = "PRECURSOR_NOT_APPROVED"
	CodeMissingActivity        = "MISSING_ACTIVITY"
	CodeRunClosed              = "RUN_CLOSED"
	CodeChainBlocked           = "CHAIN_BLOCKED"
	CodeInvalidProgress        = "INVALID_PROGRESS"
	CodeNotCurrentAgent        = "NOT_CURRENT_AGENT"
	CodeNotAssignedAgent       = "NOT_ASSIGNED_AGENT"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeInternal               = "INTERNAL_ERROR"
)

var codes = []struct {
	err  error
	code string
}{
	{workflow.ErrInvalidRequest, CodeInvalidRequest},
	{workflow.ErrStepNotFound, CodeNotFound},
	{workflow.ErrTemplateNotFound, CodeNotFound},
	{store.ErrNotFound, CodeNotFound},
	{agent.ErrChainNotFound, CodeNotFound},
	{workflow.ErrInvalidTransition, CodeInvalidTransition},
	{workflow.ErrPrecursorNotApproved, CodePrecursorNotApproved},
	{workflow.ErrMissingActivity, CodeMissingActivity},
	{workflow.ErrRunClosed, CodeRunClosed},
	{agent.ErrChainBlocked, CodeChainBlocked},
	{agent.ErrInvalidProgress, CodeInvalidProgress},
	{agent.ErrNotCurrentAgent, CodeNotCurrentAgent},
	{agent.ErrNotAssignedAgent, CodeNotAssignedAgent},
	{store.ErrConcurrentModification, CodeConcurrentModification},
	{store.ErrAlreadyExists, CodeConcurrentModification},
}

// Code classifies err. Errors that match no sentinel are internal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code string) int {
	switch code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition, CodePrecursorNotApproved, CodeMissingActivity,
		CodeRunClosed, CodeChainBlocked, CodeInvalidProgress:
		return http.StatusUnprocessableEntity
	case CodeNotCurrentAgent, CodeNotAssignedAgent:
		return http.StatusForbidden
	case CodeConcurrentModification:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
