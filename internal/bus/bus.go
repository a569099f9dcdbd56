// Package bus is the in-process event fabric. Producers publish typed events
// onto named topics; each topic carries a monotonic sequence number so
// consumers (including the dashboard stream) can detect loss and resync over
// REST.
//
// Delivery is at-least-once into bounded per-subscriber queues. A subscriber
// whose queue stays full for more than 2s is dropped; it is expected to
// resubscribe and reconcile.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"topstepx-engine/internal/metrics"
)

// Topic names one event stream.
type Topic string

const (
	TopicAccountUpdate  Topic = "account_update"
	TopicPositionUpdate Topic = "position_update"
	TopicOrderUpdate    Topic = "order_update"
	TopicTradeFill      Topic = "trade_fill"
	TopicTradeRecord    Topic = "trade_record"
	TopicRiskUpdate     Topic = "risk_update"
	TopicNotification   Topic = "notification"
	TopicMarketUpdate   Topic = "market_update"
	TopicStrategyUpdate Topic = "strategy_update"
	TopicMetricsUpdate  Topic = "metrics_update"
)

// staleAfter is how long a subscriber queue may stay full before the
// subscriber is dropped.
const staleAfter = 2 * time.Second

// defaultQueueSize bounds each subscriber's queue.
const defaultQueueSize = 256

// Event is one published item. Seq is monotonic per topic.
type Event struct {
	Topic Topic     `json:"topic"`
	Seq   int64     `json:"seq"`
	TS    time.Time `json:"ts"`
	Data  any       `json:"data"`
}

type subscriber struct {
	id        string
	topics    map[Topic]bool
	ch        chan Event
	fullSince time.Time
}

// Subscription is a live subscriber handle. Events arrives on C until Close
// (or until the bus drops the subscriber for staleness), after which C is
// closed.
type Subscription struct {
	ID string
	C  <-chan Event

	bus *Bus
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() { s.bus.unsubscribe(s.ID) }

// Bus fans events out to subscribers.
type Bus struct {
	logger *slog.Logger

	mu   sync.Mutex
	seq  map[Topic]int64
	subs map[string]*subscriber
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger.With("component", "bus"),
		seq:    make(map[Topic]int64),
		subs:   make(map[string]*subscriber),
	}
}

// Subscribe registers a consumer of the given topics. No topics means every
// topic. queueSize <= 0 uses the default.
func (b *Bus) Subscribe(queueSize int, topics ...Topic) *Subscription {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	sub := &subscriber{
		id:     uuid.NewString(),
		topics: make(map[Topic]bool, len(topics)),
		ch:     make(chan Event, queueSize),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return &Subscription{ID: sub.id, C: sub.ch, bus: b}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish stamps the event with the next topic sequence and fans it out.
// Returns the assigned sequence.
func (b *Bus) Publish(topic Topic, data any) int64 {
	now := time.Now()

	b.mu.Lock()
	b.seq[topic]++
	evt := Event{Topic: topic, Seq: b.seq[topic], TS: now, Data: data}

	var stale []*subscriber
	for _, sub := range b.subs {
		if len(sub.topics) > 0 && !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- evt:
			sub.fullSince = time.Time{}
		default:
			if sub.fullSince.IsZero() {
				sub.fullSince = now
			} else if now.Sub(sub.fullSince) > staleAfter {
				stale = append(stale, sub)
			}
		}
	}
	for _, sub := range stale {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()

	for _, sub := range stale {
		close(sub.ch)
		metrics.BusDrops.Inc()
		b.logger.Warn("dropping stale subscriber",
			"subscriber_id", sub.id,
			"topic", string(topic),
		)
	}
	return evt.Seq
}

// Seq returns the last sequence published on a topic.
func (b *Bus) Seq(topic Topic) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[topic]
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Drain blocks until every subscriber queue is empty or the timeout elapses.
// Used during shutdown to let consumers finish.
func (b *Bus) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.queuesEmpty() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return b.queuesEmpty()
}

func (b *Bus) queuesEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if len(sub.ch) > 0 {
			return false
		}
	}
	return true
}
