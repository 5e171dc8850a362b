// Package broadcaster fans out AggregatedIntelligence updates to
// per-connection subscribers. It generalizes the topic-pattern pub-sub
// broker from the reference pub-sub package into a tenant-isolated,
// bounded, oldest-drop delivery model (spec §4.6): a slow subscriber never
// blocks the Aggregator, it only misses the oldest events it hasn't read
// yet.
package broadcaster

import (
	"sync"
	"sync/atomic"
	"time"

	"supportintel/internal/model"
)

// Event is what a Subscriber receives: either an intelligence update or a
// keepalive ping.
type Event struct {
	Kind EventKind
	Key  model.ConversationKey
	View model.AggregatedIntelligence
	Sent time.Time
}

// EventKind distinguishes update events from keepalive pings.
type EventKind string

const (
	// EventConnected is always the first event a subscriber receives,
	// regardless of whether a snapshot view exists yet.
	EventConnected EventKind = "connected"
	EventUpdate    EventKind = "update"
	EventPing      EventKind = "ping"
)

// Subscriber is a single connection's bounded mailbox.
type Subscriber struct {
	id      uint64
	tenant  string
	convID  string // empty subscribes to every conversation for the tenant
	queue   chan Event
	dropped atomic.Int64
	closed  atomic.Bool
}

// Events returns the channel to range over for delivery.
func (s *Subscriber) Events() <-chan Event { return s.queue }

// Dropped returns the number of events dropped for this subscriber due to a
// full queue (oldest-drop overflow).
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Broadcaster holds live subscriptions keyed by tenant, so a publish for
// tenant A can never be observed by a subscriber scoped to tenant B.
type Broadcaster struct {
	mu          sync.RWMutex
	bySubID     map[uint64]*Subscriber
	byTenant    map[string]map[uint64]*Subscriber
	nextID      atomic.Uint64
	queueDepth  int
	pingEvery   time.Duration
	snapshotter Snapshotter

	stopPing chan struct{}
	pingOnce sync.Once
}

// Snapshotter supplies the current view for a conversation so a new
// subscriber gets an immediate snapshot instead of waiting for the next
// change, per spec's subscribe-then-snapshot behavior.
type Snapshotter interface {
	View(key model.ConversationKey) (model.AggregatedIntelligence, bool)
}

// Config configures a Broadcaster.
type Config struct {
	QueueDepth     int
	KeepaliveEvery time.Duration
}

// New constructs a Broadcaster. snap may be nil, in which case new
// subscribers receive no initial snapshot.
func New(snap Snapshotter, cfg Config) *Broadcaster {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.KeepaliveEvery <= 0 {
		cfg.KeepaliveEvery = 30 * time.Second
	}
	b := &Broadcaster{
		bySubID:     make(map[uint64]*Subscriber),
		byTenant:    make(map[string]map[uint64]*Subscriber),
		queueDepth:  cfg.QueueDepth,
		pingEvery:   cfg.KeepaliveEvery,
		snapshotter: snap,
		stopPing:    make(chan struct{}),
	}
	go b.pingLoop()
	return b
}

// Subscribe registers a new Subscriber scoped to tenant (and optionally a
// single conversation within it). It always delivers an EventConnected
// envelope first, then an EventUpdate snapshot if the Aggregator already
// has a view for convID.
func (b *Broadcaster) Subscribe(tenant, convID string) *Subscriber {
	sub := &Subscriber{
		id:     b.nextID.Add(1),
		tenant: tenant,
		convID: convID,
		queue:  make(chan Event, b.queueDepth),
	}

	b.mu.Lock()
	b.bySubID[sub.id] = sub
	if b.byTenant[tenant] == nil {
		b.byTenant[tenant] = make(map[uint64]*Subscriber)
	}
	b.byTenant[tenant][sub.id] = sub
	b.mu.Unlock()

	key := model.ConversationKey{TenantID: tenant, ConversationID: convID}
	b.deliver(sub, Event{Kind: EventConnected, Key: key, Sent: time.Now().UTC()})

	if b.snapshotter != nil && convID != "" {
		if view, ok := b.snapshotter.View(key); ok {
			b.deliver(sub, Event{Kind: EventUpdate, Key: key, View: view, Sent: time.Now().UTC()})
		}
	}
	return sub
}

// Unsubscribe removes a Subscriber and closes its queue.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.bySubID, sub.id)
	if m, ok := b.byTenant[sub.tenant]; ok {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(b.byTenant, sub.tenant)
		}
	}
	b.mu.Unlock()
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.queue)
	}
}

// Publish implements aggregator.Publisher: it fans view out to every
// subscriber scoped to key.TenantID whose convID filter matches (empty
// filter means "every conversation for this tenant").
func (b *Broadcaster) Publish(key model.ConversationKey, view model.AggregatedIntelligence) {
	b.mu.RLock()
	subs := b.byTenant[key.TenantID]
	matched := make([]*Subscriber, 0, len(subs))
	for _, s := range subs {
		if s.convID == "" || s.convID == key.ConversationID {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	evt := Event{Kind: EventUpdate, Key: key, View: view, Sent: time.Now().UTC()}
	for _, s := range matched {
		b.deliver(s, evt)
	}
}

// deliver enqueues evt, dropping the oldest queued event (never the
// publisher) when the subscriber's bounded queue is full.
func (b *Broadcaster) deliver(s *Subscriber, evt Event) {
	if s.closed.Load() {
		return
	}
	for {
		select {
		case s.queue <- evt:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
			// Raced with a reader draining the queue; try enqueueing again.
		}
	}
}

func (b *Broadcaster) pingLoop() {
	t := time.NewTicker(b.pingEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.mu.RLock()
			subs := make([]*Subscriber, 0, len(b.bySubID))
			for _, s := range b.bySubID {
				subs = append(subs, s)
			}
			b.mu.RUnlock()
			now := time.Now().UTC()
			for _, s := range subs {
				b.deliver(s, Event{Kind: EventPing, Sent: now})
			}
		case <-b.stopPing:
			return
		}
	}
}

// Close stops the keepalive loop and closes every subscriber's queue.
func (b *Broadcaster) Close() {
	b.pingOnce.Do(func() { close(b.stopPing) })
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.bySubID))
	for _, s := range b.bySubID {
		subs = append(subs, s)
	}
	b.bySubID = make(map[uint64]*Subscriber)
	b.byTenant = make(map[string]map[uint64]*Subscriber)
	b.mu.Unlock()
	for _, s := range subs {
		if s.closed.CompareAndSwap(false, true) {
			close(s.queue)
		}
	}
}

// SubscriberCount reports the number of live subscribers, for metrics.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bySubID)
}
