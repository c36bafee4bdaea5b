package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/template"
	"time"
)

// WebhookNotifier sends notifications to a webhook URL.
type WebhookNotifier struct {
	URL    string            // webhook endpoint
	Format string            // "slack", "feishu", "dingtalk", "telegram", "custom"
	Extra  map[string]string // format-specific parameters (e.g. chat_id, template)
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier for the given URL, format, and extra parameters.
func NewWebhookNotifier(url, format string, extra map[string]string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Format: format,
		Extra:  extra,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the notification to the configured webhook.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	payload, err := w.payload(n)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *WebhookNotifier) payload(n Notification) (any, error) {
	text := n.Text()

	switch w.Format {
	case "feishu":
		return map[string]any{
			"msg_type": "text",
			"content": map[string]string{
				"text": text,
			},
		}, nil
	case "dingtalk":
		return map[string]any{
			"msgtype": "text",
			"text": map[string]string{
				"content": text,
			},
		}, nil
	case "telegram":
		return map[string]any{
			"chat_id":    w.Extra["chat_id"],
			"text":       text,
			"parse_mode": "HTML",
		}, nil
	case "json":
		return n, nil
	case "custom":
		tmplStr := w.Extra["template"]
		if tmplStr == "" {
			return nil, fmt.Errorf("webhook custom format: missing 'template' in extra")
		}
		tmpl, err := template.New("webhook").Parse(tmplStr)
		if err != nil {
			return nil, fmt.Errorf("webhook custom template parse: %w", err)
		}
		data := struct {
			Notification
			Text string
		}{n, text}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("webhook custom template execute: %w", err)
		}
		// Parse rendered template as JSON to validate it
		var payload any
		if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
			return nil, fmt.Errorf("webhook custom template produced invalid JSON: %w", err)
		}
		return payload, nil
	default: // "slack" and any other format
		return map[string]string{
			"text": text,
		}, nil
	}
}

// Name returns the name of this notifier.
func (w *WebhookNotifier) Name() string { return "webhook:" + w.Format }
