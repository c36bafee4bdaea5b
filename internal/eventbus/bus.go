package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"stepflow/internal/metrics"
)

// DefaultBuffer is the per-subscription queue length.
const DefaultBuffer = 64

// Bus is an in-process, at-most-once publish/subscribe hub keyed by project.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	rooms  map[string]map[*Subscription]struct{}
	all    map[*Subscription]struct{}
	buffer int

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscription queue length.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithMetrics records publish and drop counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New returns an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		rooms:  make(map[string]map[*Subscription]struct{}),
		all:    make(map[*Subscription]struct{}),
		buffer: DefaultBuffer,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.logger = b.logger.With("component", "eventbus")
	return b
}

// Subscription receives events for the projects it has joined.
type Subscription struct {
	bus      *Bus
	ch       chan Event
	projects map[string]struct{}
	firehose bool
	closed   bool
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// NewSubscription returns a subscription that has joined no project yet.
func (b *Bus) NewSubscription() *Subscription {
	s := &Subscription{
		bus:      b,
		ch:       make(chan Event, b.buffer),
		projects: make(map[string]struct{}),
	}
	b.metrics.SubscriberDelta(1)
	return s
}

// Subscribe returns a subscription joined to projectID.
func (b *Bus) Subscribe(projectID string) *Subscription {
	s := b.NewSubscription()
	s.Join(projectID)
	return s
}

// SubscribeAll returns a subscription that receives every event on the bus.
func (b *Bus) SubscribeAll() *Subscription {
	s := b.NewSubscription()
	b.mu.Lock()
	s.firehose = true
	b.all[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe closes s.
func (b *Bus) Unsubscribe(s *Subscription) {
	s.Close()
}

// Join adds projectID to the subscription. Joining twice is a no-op.
func (s *Subscription) Join(projectID string) bool {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.projects[projectID]; ok {
		return false
	}
	s.projects[projectID] = struct{}{}
	room := b.rooms[projectID]
	if room == nil {
		room = make(map[*Subscription]struct{})
		b.rooms[projectID] = room
	}
	room[s] = struct{}{}
	return true
}

// Leave removes projectID from the subscription.
func (s *Subscription) Leave(projectID string) bool {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return false
	}
	delete(s.projects, projectID)
	b.leaveLocked(s, projectID)
	return true
}

// Projects returns the joined project ids.
func (s *Subscription) Projects() []string {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	out := make([]string, 0, len(s.projects))
	for p := range s.projects {
		out = append(out, p)
	}
	return out
}

// Close leaves every room and closes the delivery channel.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return
	}
	s.closed = true
	for p := range s.projects {
		b.leaveLocked(s, p)
	}
	delete(b.all, s)
	close(s.ch)
	b.mu.Unlock()
	b.metrics.SubscriberDelta(-1)
}

func (b *Bus) leaveLocked(s *Subscription, projectID string) {
	room := b.rooms[projectID]
	delete(room, s)
	if len(room) == 0 {
		delete(b.rooms, projectID)
	}
}

// Publish delivers ev to every subscriber of its project and to firehose
// subscribers. Delivery order within a room follows publish order.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.EventPublished(string(ev.Type))
	for s := range b.rooms[ev.ProjectID] {
		b.deliverLocked(s, ev)
	}
	for s := range b.all {
		if _, joined := s.projects[ev.ProjectID]; joined {
			continue
		}
		b.deliverLocked(s, ev)
	}
}

func (b *Bus) deliverLocked(s *Subscription, ev Event) {
	select {
	case s.ch <- ev:
	default:
		b.metrics.EventDropped()
		b.logger.Warn("Dropped event for slow subscriber", "project", ev.ProjectID, "type", ev.Type)
	}
}

// Subscribers returns the number of subscriptions joined to projectID.
func (b *Bus) Subscribers(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[projectID])
}
