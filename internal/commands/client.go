package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"stepflow/internal/config"
	"stepflow/internal/eventbus"
	"stepflow/internal/orchestrator"
)

// apiClient talks to a running stepflow server.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// apiError is a non-2xx response from the server.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// ErrorCode lets output.PrintError report the server's code.
func (e *apiError) ErrorCode() string {
	return e.Code
}

func newAPIClient(server, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(server, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// defaultServer derives a client URL from the configured bind address, e.g.
// ":3456" becomes "http://127.0.0.1:3456".
func defaultServer(bind string) string {
	if strings.HasPrefix(bind, ":") {
		return "http://127.0.0.1" + bind
	}
	if strings.HasPrefix(bind, "0.0.0.0:") {
		return "http://127.0.0.1" + strings.TrimPrefix(bind, "0.0.0.0")
	}
	return "http://" + bind
}

// resolveClient fills server and token from the config file when the flags
// leave them empty.
func resolveClient(configPath, server, token string) (*apiClient, error) {
	if server == "" || token == "" {
		v, err := config.New(configPath)
		if err != nil {
			return nil, err
		}
		cfg, err := config.Load(v)
		if err != nil {
			return nil, err
		}
		if server == "" {
			server = defaultServer(cfg.HTTP.Bind)
		}
		if token == "" && len(cfg.HTTP.Tokens) > 0 {
			token = cfg.HTTP.Tokens[0]
		}
	}
	if token == "" {
		return nil, fmt.Errorf("no API token: pass --token or run 'stepflow serve' once to generate one")
	}
	return newAPIClient(server, token), nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Code = e.Error, e.Code
		}
		return apiErr
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// stepList mirrors the GET /steps/{runId} response.
type stepList struct {
	WorkflowID string                   `json:"workflowId"`
	Steps      []*orchestrator.StepView `json:"steps"`
}

func (c *apiClient) listSteps(ctx context.Context, runID string) (*stepList, error) {
	var out stepList
	if err := c.getJSON(ctx, "/steps/"+url.PathEscape(runID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) getRun(ctx context.Context, runID string) (*orchestrator.RunView, error) {
	var out orchestrator.RunView
	if err := c.getJSON(ctx, "/runs/"+url.PathEscape(runID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// dialEvents opens the event websocket and joins projectID's room.
func (c *apiClient) dialEvents(ctx context.Context, projectID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.base + "/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("projectId", projectID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connect %s: %w (HTTP %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("connect %s: %w", u.Redacted(), err)
	}
	return conn, nil
}

// frame is anything the gateway pushes: a control frame or an event.
type frame struct {
	Control string
	Message string
	Event   *eventbus.Event
}

// readFrame decodes one websocket message.
func readFrame(conn *websocket.Conn) (frame, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return frame{}, err
	}
	var head struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch eventbus.EventType(head.Type) {
	case eventbus.WorkflowUpdate, eventbus.AgentMessage, eventbus.ProjectStatus, eventbus.SystemMessage:
		var ev eventbus.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return frame{}, fmt.Errorf("decode event: %w", err)
		}
		return frame{Event: &ev}, nil
	}
	return frame{Control: head.Type, Message: head.Message}, nil
}
