// ABOUTME: In-memory topic broadcaster with per-topic sequence numbers and agent wildcard delivery
// ABOUTME: Implements events.Publisher; sends are non-blocking and ordered per topic

package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/passage-gateway/internal/events"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// ErrUnknownSubscription is returned by Watch for an id that is not subscribed.
var ErrUnknownSubscription = errors.New("unknown subscription")

// Subscription is one subscriber's view of the broadcaster.
type Subscription struct {
	ID string
	// C receives events. It is closed on Unsubscribe, ctx cancellation or
	// broadcaster Close.
	C <-chan events.Event
}

type subscriber struct {
	id     string
	ch     chan events.Event
	topics map[string]bool
}

// Broadcaster provides in-memory pub/sub for state transitions.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[string]*subscriber
	byTopic map[string]map[string]*subscriber // topic -> subID -> sub
	seq     map[string]uint64
	closed  bool
	now     func() time.Time
	dropped atomic.Uint64
	logger  *slog.Logger
}

var _ events.Publisher = (*Broadcaster)(nil)

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:    make(map[string]*subscriber),
		byTopic: make(map[string]map[string]*subscriber),
		seq:     make(map[string]uint64),
		now:     time.Now,
		logger:  logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for the given topics. The subscription is
// automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, topics ...string) *Subscription {
	sub := &subscriber{
		id:     uuid.New().String(),
		ch:     make(chan events.Event, subscriberBufferSize),
		topics: make(map[string]bool),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return &Subscription{ID: sub.id, C: sub.ch}
	}
	b.subs[sub.id] = sub
	for _, t := range topics {
		b.watchLocked(sub, t)
	}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", sub.id, "topics", topics)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sub.id)
	}()

	return &Subscription{ID: sub.id, C: sub.ch}
}

// Watch adds a topic to an existing subscription.
func (b *Broadcaster) Watch(subID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subID]
	if !ok {
		return ErrUnknownSubscription
	}
	b.watchLocked(sub, topic)
	return nil
}

func (b *Broadcaster) watchLocked(sub *subscriber, topic string) {
	if sub.topics[topic] {
		return
	}
	sub.topics[topic] = true
	if _, ok := b.byTopic[topic]; !ok {
		b.byTopic[topic] = make(map[string]*subscriber)
	}
	b.byTopic[topic][sub.id] = sub
}

// Publish implements events.Publisher. It assigns the next sequence number
// for topic and delivers to subscribers of topic, plus wildcard subscribers
// for agent topics. Events are dropped for subscribers whose channels are
// full.
func (b *Broadcaster) Publish(topic string, typ events.Type, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq[topic]++
	ev := events.Event{
		Type:  typ,
		Topic: topic,
		Seq:   b.seq[topic],
		Time:  b.now(),
		Data:  data,
	}

	delivered := make(map[string]bool)
	b.deliverLocked(b.byTopic[topic], ev, delivered)
	if events.IsAgentTopic(topic) {
		b.deliverLocked(b.byTopic[events.AllAgents], ev, delivered)
	}
}

func (b *Broadcaster) deliverLocked(subs map[string]*subscriber, ev events.Event, delivered map[string]bool) {
	for id, sub := range subs {
		if delivered[id] {
			continue
		}
		delivered[id] = true
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("dropped event for slow subscriber",
				"sub_id", id,
				"topic", ev.Topic,
				"type", ev.Type,
				"seq", ev.Seq)
		}
	}
}

// Seq returns the last sequence number assigned on topic.
func (b *Broadcaster) Seq(topic string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[topic]
}

// Dropped returns how many deliveries were skipped for full subscribers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Forget drops the sequence counter of a topic that will not be published
// again, such as an evicted session.
func (b *Broadcaster) Forget(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.seq, topic)
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subID]
	if !ok {
		return
	}
	delete(b.subs, subID)
	for topic := range sub.topics {
		delete(b.byTopic[topic], subID)
		if len(b.byTopic[topic]) == 0 {
			delete(b.byTopic, topic)
		}
	}
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	clear(b.byTopic)

	b.logger.Debug("broadcaster closed")
}
