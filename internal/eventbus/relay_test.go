package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Port:   -1, // Random available port
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func connect(t *testing.T, url string) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestRelayBetweenInstances(t *testing.T) {
	url := startNATS(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busA, busB := New(), New()
	relayA := NewRelay(busA, connect(t, url), "test", nil)
	relayB := NewRelay(busB, connect(t, url), "test", nil)
	go relayA.Run(ctx)
	go relayB.Run(ctx)

	subA := busA.Subscribe("proj.1")
	subB := busB.Subscribe("proj.1")
	defer subA.Close()
	defer subB.Close()

	// Relays subscribe asynchronously; publish until B sees the event.
	var got Event
	require.Eventually(t, func() bool {
		busA.Publish(NewSystemMessage("proj.1", "info", "from A"))
		select {
		case got = <-subB.Events():
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "proj.1", got.ProjectID)
	assert.Equal(t, relayA.Instance(), got.Origin)
	assert.Equal(t, "from A", got.Payload.(SystemMessagePayload).Message)

	// A must not receive its own event back through the relay.
	drain := time.After(300 * time.Millisecond)
	for {
		select {
		case ev := <-subA.Events():
			assert.Empty(t, ev.Origin, "event echoed back to its origin")
		case <-drain:
			return
		}
	}
}

func TestRelaySubject(t *testing.T) {
	r := NewRelay(New(), nil, "", nil)
	assert.Equal(t, "stepflow.project.a_b_c_", r.Subject("a.b*c>"))
	assert.Equal(t, "stepflow.project._", r.Subject(""))
}
