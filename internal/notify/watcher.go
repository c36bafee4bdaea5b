package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stepflow/internal/eventbus"
	"stepflow/internal/metrics"
)

// Watcher turns bus events into notifications.
type Watcher struct {
	bus       *eventbus.Bus
	notifiers []Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
	timeout   time.Duration
}

// NewWatcher returns a watcher delivering to notifiers. m may be nil.
func NewWatcher(bus *eventbus.Bus, notifiers []Notifier, m *metrics.Metrics, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		bus:       bus,
		notifiers: notifiers,
		metrics:   m,
		logger:    logger.With("component", "notify"),
		timeout:   15 * time.Second,
	}
}

// Run delivers notifications until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	sub := w.bus.SubscribeAll()
	defer sub.Close()

	w.logger.Info("Sending review notifications", "notifiers", len(w.notifiers))
	return w.consume(ctx, sub)
}

func (w *Watcher) consume(ctx context.Context, sub *eventbus.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			// Events relayed from another instance are notified there.
			if ev.Origin != "" {
				continue
			}
			n, ok := FromEvent(ev)
			if !ok {
				continue
			}
			w.deliver(ctx, n)
		}
	}
}

func (w *Watcher) deliver(ctx context.Context, n Notification) {
	for _, notifier := range w.notifiers {
		sendCtx, cancel := context.WithTimeout(ctx, w.timeout)
		err := notifier.Send(sendCtx, n)
		cancel()
		if err != nil {
			w.metrics.Notification(notifier.Name(), "error")
			w.logger.Warn("Notification failed", "notifier", notifier.Name(), "kind", n.Kind, "error", err)
			continue
		}
		w.metrics.Notification(notifier.Name(), "ok")
	}
}

// FromEvent maps a bus event to a notification. Only step decisions, run
// status changes and blocked work are reported.
func FromEvent(ev eventbus.Event) (Notification, bool) {
	n := Notification{ProjectID: ev.ProjectID, Timestamp: ev.Timestamp}

	switch p := ev.Payload.(type) {
	case eventbus.WorkflowUpdatePayload:
		n.RunID, n.StepID, n.TaskID, n.Actor, n.Status = p.WorkflowID, p.StepID, p.TaskID, p.AgentID, p.Status
		switch {
		case p.Status == "blocked":
			n.Kind = TaskBlocked
			n.Title = "Task blocked"
		case p.TaskID != "":
			return Notification{}, false
		case p.Status == "approved", p.Status == "rejected", p.Status == "needs_revision":
			n.Kind = StepDecision
			n.Title = "Step " + p.Status
		default:
			return Notification{}, false
		}
		n.Message = p.Message
		if n.Message == "" {
			n.Message = p.Status
		}
		if p.AgentID != "" {
			n.Message += " (by " + p.AgentID + ")"
		}
		return n, true

	case eventbus.ProjectStatusPayload:
		if p.PreviousStatus == "" || p.PreviousStatus == p.Status {
			return Notification{}, false
		}
		n.Kind = RunStatusChange
		n.RunID, n.Status = p.WorkflowID, p.Status
		n.Title = "Run " + p.Status
		n.Message = fmt.Sprintf("%d/%d steps approved (was %s)", p.ApprovedSteps, p.TotalSteps, p.PreviousStatus)
		return n, true
	}
	return Notification{}, false
}
