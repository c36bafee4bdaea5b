package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"stepflow/internal/logging"
	"stepflow/internal/metrics"
	"stepflow/internal/orchestrator"
	"stepflow/internal/store"
	"stepflow/internal/workflow"
)

const testToken = "test-token"

func newTestServer(t *testing.T) *HTTPServer {
	t.Helper()
	f := orchestrator.New(store.NewMemory(), nil,
		orchestrator.WithTemplates(workflow.NewCatalog(t.TempDir())),
		orchestrator.WithLogger(logging.Discard()))
	return NewHTTPServer(f, []string{testToken}, "test", WithLogger(logging.Discard()))
}

func do(t *testing.T, s *HTTPServer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v (body: %s)", err, w.Body.String())
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("Expected status %d, got %d (body: %s)", want, w.Code, w.Body.String())
	}
}

type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Steps  []struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		CanProceed bool   `json:"canProceed"`
	} `json:"steps"`
}

func createRun(t *testing.T, s *HTTPServer) runResponse {
	t.Helper()
	w := do(t, s, http.MethodPost, "/runs", CreateRunRequest{
		ProjectID: "p1",
		Name:      "demo",
		Steps: []workflow.TemplateStep{
			{Name: "analysis", Tasks: []workflow.TaskSpec{{Title: "requirements", Assign: "analyst"}}},
			{Name: "build", Tasks: []workflow.TaskSpec{{
				Title: "implement",
				Chain: []workflow.ChainLinkSpec{{AgentID: "dev"}, {AgentID: "qa"}},
			}}},
		},
	})
	expectStatus(t, w, http.StatusCreated)
	return decode[runResponse](t, w)
}

func TestHealthNoAuth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	expectStatus(t, w, http.StatusOK)
	resp := decode[HealthResponse](t, w)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("unexpected health response: %+v", resp)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"wrong token", "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/templates", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.ServeHTTP(w, req)
			expectStatus(t, w, http.StatusUnauthorized)
			if resp := decode[ErrorResponse](t, w); resp.Code != "UNAUTHORIZED" {
				t.Errorf("code = %q", resp.Code)
			}
		})
	}
}

func TestTemplates(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/templates", nil)
	expectStatus(t, w, http.StatusOK)
	list := decode[TemplateListResponse](t, w)
	found := false
	for _, tpl := range list.Templates {
		if tpl.Name == "feature-delivery" {
			found = true
			if !tpl.BuiltIn || tpl.StepCount != 4 {
				t.Errorf("unexpected summary: %+v", tpl)
			}
		}
	}
	if !found {
		t.Error("Expected to find 'feature-delivery' in template list")
	}

	w = do(t, s, http.MethodGet, "/templates/feature-delivery", nil)
	expectStatus(t, w, http.StatusOK)

	w = do(t, s, http.MethodGet, "/templates/nonexistent", nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestCreateRunValidation(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/runs", CreateRunRequest{Name: "x"})
	expectStatus(t, w, http.StatusBadRequest)

	w = do(t, s, http.MethodPost, "/runs", CreateRunRequest{ProjectID: "p1", Template: "missing"})
	expectStatus(t, w, http.StatusNotFound)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"projectId":"p1"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnsupportedMediaType)
}

func TestStepLifecycle(t *testing.T) {
	s := newTestServer(t)
	run := createRun(t, s)
	s1, s2 := run.Steps[0].ID, run.Steps[1].ID

	w := do(t, s, http.MethodPost, "/step/approve", StepActionRequest{StepID: s1, UserID: "lead"})
	expectStatus(t, w, http.StatusUnprocessableEntity)
	if resp := decode[ErrorResponse](t, w); resp.Code != orchestrator.CodeMissingActivity {
		t.Errorf("code = %q, want %s", resp.Code, orchestrator.CodeMissingActivity)
	}

	w = do(t, s, http.MethodPost, "/step/message", StepMessageRequest{StepID: s1, AuthorID: "analyst", AuthorType: "agent", Content: "draft"})
	expectStatus(t, w, http.StatusCreated)

	w = do(t, s, http.MethodPost, "/step/approve", StepActionRequest{StepID: s2, UserID: "lead"})
	expectStatus(t, w, http.StatusUnprocessableEntity)

	w = do(t, s, http.MethodPost, "/step/approve", StepActionRequest{WorkflowID: run.ID, StepID: s1, UserID: "lead"})
	expectStatus(t, w, http.StatusOK)

	w = do(t, s, http.MethodGet, "/steps/"+run.ID, nil)
	expectStatus(t, w, http.StatusOK)
	var list struct {
		WorkflowID string `json:"workflowId"`
		Steps      []struct {
			Status     string `json:"status"`
			CanProceed bool   `json:"canProceed"`
		} `json:"steps"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Steps[0].Status != "approved" || !list.Steps[1].CanProceed {
		t.Errorf("unexpected steps: %+v", list.Steps)
	}

	w = do(t, s, http.MethodPost, "/step/reject", StepActionRequest{StepID: s2, UserID: "lead"})
	expectStatus(t, w, http.StatusBadRequest)

	w = do(t, s, http.MethodPost, "/step/revision", StepActionRequest{StepID: s1, UserID: "lead", Comments: "redo"})
	expectStatus(t, w, http.StatusOK)

	w = do(t, s, http.MethodPost, "/step/resubmit", StepActionRequest{StepID: s1})
	expectStatus(t, w, http.StatusOK)

	w = do(t, s, http.MethodGet, "/runs/"+run.ID, nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[runResponse](t, w); got.Status != "in_progress" {
		t.Errorf("run status = %q", got.Status)
	}
}

func TestTaskManagement(t *testing.T) {
	s := newTestServer(t)
	run := createRun(t, s)

	w := do(t, s, http.MethodPost, "/step/start", StepActionRequest{StepID: run.Steps[0].ID})
	expectStatus(t, w, http.StatusOK)
	status := decode[orchestrator.StepStatusView](t, w)
	if len(status.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(status.Tasks))
	}
	taskID := status.Tasks[0].ID

	progress := 50
	w = do(t, s, http.MethodPost, "/task-management/tasks/"+taskID+"/progress", TaskProgressRequest{AgentID: "intruder", Progress: &progress})
	expectStatus(t, w, http.StatusForbidden)

	w = do(t, s, http.MethodPost, "/task-management/tasks/"+taskID+"/progress", TaskProgressRequest{AgentID: "analyst", Status: "completed"})
	expectStatus(t, w, http.StatusOK)
	if resp := decode[TaskResponse](t, w); resp.Task.Progress != 100 {
		t.Errorf("progress = %d, want 100", resp.Task.Progress)
	}

	w = do(t, s, http.MethodGet, "/task-management/step-status/"+run.Steps[0].ID, nil)
	expectStatus(t, w, http.StatusOK)
	status = decode[orchestrator.StepStatusView](t, w)
	if status.Summary.CompletedTasks != 1 || !status.Step.HasActivity {
		t.Errorf("unexpected summary: %+v", status.Summary)
	}

	w = do(t, s, http.MethodPost, "/task-management/tasks/"+taskID+"/cancel", nil)
	expectStatus(t, w, http.StatusUnprocessableEntity)

	w = do(t, s, http.MethodGet, "/task-management/collaboration-status/"+taskID, nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestCollaborationFlow(t *testing.T) {
	s := newTestServer(t)
	run := createRun(t, s)

	do(t, s, http.MethodPost, "/step/message", StepMessageRequest{StepID: run.Steps[0].ID, AuthorID: "u", Content: "ok"})
	expectStatus(t, do(t, s, http.MethodPost, "/step/approve", StepActionRequest{StepID: run.Steps[0].ID}), http.StatusOK)

	w := do(t, s, http.MethodPost, "/step/start", StepActionRequest{StepID: run.Steps[1].ID})
	expectStatus(t, w, http.StatusOK)
	taskID := decode[orchestrator.StepStatusView](t, w).Tasks[0].ID
	base := "/task-management/collaboration/" + taskID

	expectStatus(t, do(t, s, http.MethodPost, base+"/start", nil), http.StatusOK)

	w = do(t, s, http.MethodPost, base+"/advance", ChainActionRequest{AgentID: "qa"})
	expectStatus(t, w, http.StatusForbidden)
	if resp := decode[ErrorResponse](t, w); resp.Code != orchestrator.CodeNotCurrentAgent {
		t.Errorf("code = %q", resp.Code)
	}

	expectStatus(t, do(t, s, http.MethodPost, base+"/progress", ChainActionRequest{AgentID: "dev", Progress: 40}), http.StatusOK)
	expectStatus(t, do(t, s, http.MethodPost, base+"/handoff", ChainActionRequest{AgentID: "dev", Note: "tests pending"}), http.StatusOK)

	w = do(t, s, http.MethodPost, base+"/advance", ChainActionRequest{AgentID: "dev", Outcome: "completed"})
	expectStatus(t, w, http.StatusOK)
	view := decode[orchestrator.CollaborationView](t, w)
	if view.CurrentAgent != "qa" || view.Chain.CurrentAgentIndex != 1 {
		t.Errorf("unexpected chain: current=%q index=%d", view.CurrentAgent, view.Chain.CurrentAgentIndex)
	}

	w = do(t, s, http.MethodPost, base+"/advance", ChainActionRequest{AgentID: "qa", Outcome: "blocked"})
	expectStatus(t, w, http.StatusOK)
	expectStatus(t, do(t, s, http.MethodPost, base+"/begin", ChainActionRequest{AgentID: "qa"}), http.StatusUnprocessableEntity)
	expectStatus(t, do(t, s, http.MethodPost, base+"/unblock", nil), http.StatusOK)
	expectStatus(t, do(t, s, http.MethodPost, base+"/advance", ChainActionRequest{AgentID: "qa"}), http.StatusOK)

	w = do(t, s, http.MethodGet, "/task-management/collaboration-status/"+taskID, nil)
	expectStatus(t, w, http.StatusOK)
	view = decode[orchestrator.CollaborationView](t, w)
	if view.Chain.CollaborationStatus != "completed" || view.Task.Status != "completed" {
		t.Errorf("chain not completed: %+v", view.Chain)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/step/approve", strings.NewReader(`{"stepId":"x","bogus":1}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f := orchestrator.New(store.NewMemory(), nil, orchestrator.WithMetrics(m), orchestrator.WithLogger(logging.Discard()))
	s := NewHTTPServer(f, []string{testToken}, "test", WithMetrics(m, reg), WithLogger(logging.Discard()))

	expectStatus(t, do(t, s, http.MethodGet, "/runs/missing", nil), http.StatusNotFound)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), `route="/runs/{runId}"`) {
		t.Errorf("expected route pattern label in metrics output")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, addr) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
