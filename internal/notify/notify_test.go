package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMultiNotifier_Send(t *testing.T) {
	var called []string

	n1 := &mockNotifier{name: "a", sendFn: func(n Notification) error {
		called = append(called, "a")
		return nil
	}}
	n2 := &mockNotifier{name: "b", sendFn: func(n Notification) error {
		called = append(called, "b")
		return nil
	}}

	m := NewMultiNotifier(n1, n2)
	err := m.Send(context.Background(), Notification{Title: "Step approved", Message: "step 1 is now approved"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 2 || called[0] != "a" || called[1] != "b" {
		t.Fatalf("expected both notifiers called, got: %v", called)
	}
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
}

func TestMultiNotifier_Name(t *testing.T) {
	m := NewMultiNotifier(
		&mockNotifier{name: "x"},
		&mockNotifier{name: "y"},
	)
	got := m.Name()
	want := "multi(x,y)"
	if got != want {
		t.Fatalf("Name() = %q, want %q", got, want)
	}
}

func newCaptureServer(t *testing.T, received any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(received)
		w.WriteHeader(200)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebhookNotifier_Slack(t *testing.T) {
	var received map[string]string
	srv := newCaptureServer(t, &received)

	wh := NewWebhookNotifier(srv.URL, "slack", nil)
	err := wh.Send(context.Background(), Notification{Title: "Step rejected", Message: "scope unclear"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received["text"] != "Step rejected: scope unclear" {
		t.Fatalf("unexpected payload: %v", received)
	}
}

func TestWebhookNotifier_Feishu(t *testing.T) {
	var received map[string]any
	srv := newCaptureServer(t, &received)

	wh := NewWebhookNotifier(srv.URL, "feishu", nil)
	err := wh.Send(context.Background(), Notification{Title: "Run completed", Message: "4/4 steps approved"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received["msg_type"] != "text" {
		t.Fatalf("expected msg_type=text, got: %v", received["msg_type"])
	}
	content, ok := received["content"].(map[string]any)
	if !ok {
		t.Fatalf("expected content map, got: %T", received["content"])
	}
	if content["text"] != "Run completed: 4/4 steps approved" {
		t.Fatalf("unexpected content text: %v", content["text"])
	}
}

func TestWebhookNotifier_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	wh := NewWebhookNotifier(srv.URL, "slack", nil)
	err := wh.Send(context.Background(), Notification{Title: "test", Message: "msg"})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestWebhookNotifier_Dingtalk(t *testing.T) {
	var received map[string]any
	srv := newCaptureServer(t, &received)

	wh := NewWebhookNotifier(srv.URL, "dingtalk", nil)
	err := wh.Send(context.Background(), Notification{Title: "Task blocked", Message: "waiting on qa"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received["msgtype"] != "text" {
		t.Fatalf("expected msgtype=text, got: %v", received["msgtype"])
	}
	text, ok := received["text"].(map[string]any)
	if !ok {
		t.Fatalf("expected text map, got: %T", received["text"])
	}
	if text["content"] != "Task blocked: waiting on qa" {
		t.Fatalf("unexpected content: %v", text["content"])
	}
}

func TestWebhookNotifier_Telegram(t *testing.T) {
	var received map[string]any
	srv := newCaptureServer(t, &received)

	extra := map[string]string{"chat_id": "123456"}
	wh := NewWebhookNotifier(srv.URL, "telegram", extra)
	err := wh.Send(context.Background(), Notification{Title: "alert", Message: "run rejected"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received["chat_id"] != "123456" {
		t.Fatalf("expected chat_id=123456, got: %v", received["chat_id"])
	}
	if received["text"] != "alert: run rejected" {
		t.Fatalf("unexpected text: %v", received["text"])
	}
	if received["parse_mode"] != "HTML" {
		t.Fatalf("expected parse_mode=HTML, got: %v", received["parse_mode"])
	}
}

func TestWebhookNotifier_JSON(t *testing.T) {
	var received Notification
	srv := newCaptureServer(t, &received)

	wh := NewWebhookNotifier(srv.URL, "json", nil)
	err := wh.Send(context.Background(), Notification{Kind: StepDecision, Title: "Step approved", RunID: "run-1", StepID: "s1", Status: "approved"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received.Kind != StepDecision || received.RunID != "run-1" || received.StepID != "s1" {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestWebhookNotifier_Custom(t *testing.T) {
	var received map[string]any
	srv := newCaptureServer(t, &received)

	extra := map[string]string{
		"template": `{"body": "{{.Title}} - {{.Message}}", "combined": "{{.Text}}", "run": "{{.RunID}}"}`,
	}
	wh := NewWebhookNotifier(srv.URL, "custom", extra)
	err := wh.Send(context.Background(), Notification{Title: "Step approved", Message: "ship it", RunID: "run-7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received["body"] != "Step approved - ship it" {
		t.Fatalf("unexpected body: %v", received["body"])
	}
	if received["combined"] != "Step approved: ship it" {
		t.Fatalf("unexpected combined: %v", received["combined"])
	}
	if received["run"] != "run-7" {
		t.Fatalf("unexpected run: %v", received["run"])
	}
}

func TestWebhookNotifier_Custom_MissingTemplate(t *testing.T) {
	wh := NewWebhookNotifier("http://localhost", "custom", nil)
	err := wh.Send(context.Background(), Notification{Title: "test", Message: "msg"})
	if err == nil {
		t.Fatal("expected error for missing template")
	}
}

// mockNotifier is a test helper.
type mockNotifier struct {
	name   string
	sendFn func(Notification) error
}

func (m *mockNotifier) Send(_ context.Context, n Notification) error {
	if m.sendFn != nil {
		return m.sendFn(n)
	}
	return nil
}

func (m *mockNotifier) Name() string { return m.name }
