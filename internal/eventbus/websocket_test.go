package eventbus

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload"`
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// waitForSubscribers polls until n subscriptions have joined projectID.
func waitForSubscribers(t *testing.T, b *Bus, projectID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Subscribers(projectID) == n }, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayJoinReceiveLeave(t *testing.T) {
	bus := New()
	srv := httptest.NewServer(NewGateway(bus, nil))
	defer srv.Close()

	conn := dial(t, srv, "")
	require.NoError(t, conn.WriteJSON(wsIncoming{Type: "join-project", ProjectID: "proj-1"}))
	ack := readFrame(t, conn)
	assert.Equal(t, "joined", ack.Type)
	assert.Equal(t, "proj-1", ack.ProjectID)

	bus.Publish(NewWorkflowUpdate("proj-1", WorkflowUpdatePayload{WorkflowID: "r", StepID: "s", Status: "approved"}))
	ev := readFrame(t, conn)
	assert.Equal(t, "workflow-update", ev.Type)
	assert.Contains(t, string(ev.Payload), `"status":"approved"`)

	require.NoError(t, conn.WriteJSON(wsIncoming{Type: "leave-project", ProjectID: "proj-1"}))
	assert.Equal(t, "left", readFrame(t, conn).Type)
	waitForSubscribers(t, bus, "proj-1", 0)
}

func TestGatewayQueryJoinAndPing(t *testing.T) {
	bus := New()
	srv := httptest.NewServer(NewGateway(bus, nil))
	defer srv.Close()

	conn := dial(t, srv, "?projectId=proj-2")
	assert.Equal(t, "joined", readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(wsIncoming{Type: "ping"}))
	assert.Equal(t, "pong", readFrame(t, conn).Type)
}

func TestGatewayErrors(t *testing.T) {
	bus := New()
	srv := httptest.NewServer(NewGateway(bus, nil))
	defer srv.Close()

	conn := dial(t, srv, "")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "error", readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(wsIncoming{Type: "join-project"}))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Message, "projectId")

	require.NoError(t, conn.WriteJSON(wsIncoming{Type: "dance"}))
	assert.Contains(t, readFrame(t, conn).Message, "unknown message type")
}

func TestGatewayDisconnectUnsubscribes(t *testing.T) {
	bus := New()
	srv := httptest.NewServer(NewGateway(bus, nil))
	defer srv.Close()

	conn := dial(t, srv, "?projectId=p")
	readFrame(t, conn)
	waitForSubscribers(t, bus, "p", 1)

	conn.Close()
	waitForSubscribers(t, bus, "p", 0)
}
