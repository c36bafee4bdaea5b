package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// envelope is the NATS wire form of an event.
type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// Relay mirrors bus traffic across service instances over NATS. Local events
// go out on <prefix>.project.<projectId>; events from other instances are
// republished locally and never sent back out.
type Relay struct {
	bus      *Bus
	nc       *nats.Conn
	prefix   string
	instance string
	logger   *slog.Logger
}

// NewRelay returns a relay for bus over nc.
func NewRelay(bus *Bus, nc *nats.Conn, prefix string, logger *slog.Logger) *Relay {
	if prefix == "" {
		prefix = "stepflow"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		bus:      bus,
		nc:       nc,
		prefix:   prefix,
		instance: uuid.NewString(),
		logger:   logger.With("component", "relay"),
	}
}

// Instance returns the origin tag this relay stamps on outgoing events.
func (r *Relay) Instance() string {
	return r.instance
}

// Subject returns the NATS subject for a project.
func (r *Relay) Subject(projectID string) string {
	return r.prefix + ".project." + sanitizeToken(projectID)
}

// Run relays until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub, err := r.nc.Subscribe(r.prefix+".project.>", r.receive)
	if err != nil {
		return fmt.Errorf("subscribe to %s.project.>: %w", r.prefix, err)
	}
	defer sub.Unsubscribe()
	if err := r.nc.Flush(); err != nil {
		return fmt.Errorf("flush subscription: %w", err)
	}

	local := r.bus.SubscribeAll()
	defer local.Close()

	r.logger.Info("Relaying events over NATS", "prefix", r.prefix, "instance", r.instance)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-local.Events():
			if !ok {
				return nil
			}
			if ev.Origin != "" {
				continue
			}
			if err := r.forward(ev); err != nil {
				r.logger.Warn("Relay publish failed", "project", ev.ProjectID, "error", err)
			}
		}
	}
}

func (r *Relay) forward(ev Event) error {
	data, err := json.Marshal(envelope{Origin: r.instance, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.nc.Publish(r.Subject(ev.ProjectID), data)
}

func (r *Relay) receive(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Warn("Relay dropped malformed message", "subject", msg.Subject, "error", err)
		return
	}
	if env.Origin == r.instance {
		return
	}
	env.Event.Origin = env.Origin
	r.bus.Publish(env.Event)
}

// sanitizeToken makes s usable as a single NATS subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
