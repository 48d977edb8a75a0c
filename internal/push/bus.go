// Package push fans simulation events out to subscribers over bounded
// per-subscriber buffers. A subscriber that cannot keep up is disconnected
// rather than allowed to stall publishers.
package push

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/series"
)

// Topic identifies one event stream.
type Topic string

// TopicProgress carries instance-creation progress updates.
const TopicProgress Topic = "progress"

// KlineTopic is the candle stream of one symbol at one granularity.
func KlineTopic(instanceID, symbol string, g series.Granularity) Topic {
	return Topic("kline:" + instanceID + ":" + symbol + ":" + string(g))
}

// TradesTopic is the executed-trade stream of one instance.
func TradesTopic(instanceID string) Topic {
	return Topic("trades:" + instanceID)
}

// Message is one published event.
type Message struct {
	Topic Topic `json:"topic"`
	Data  any   `json:"data"`
}

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

type subscriber struct {
	id     string
	ch     chan Message
	topics map[Topic]struct{}
	err    error
	closed bool
}

// Subscription is a subscriber's receive side. After C closes, Err reports
// why: nil for a clean unsubscribe, LaggingSubscriber when the bus dropped
// the connection.
type Subscription struct {
	ID  string
	C   <-chan Message
	bus *Bus
	sub *subscriber
}

// Err returns the terminal error of a closed subscription.
func (s *Subscription) Err() error {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.sub.err
}

// Close unsubscribes cleanly.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s.ID)
}

// Bus is the process-wide publish/subscribe hub.
type Bus struct {
	bufSize int
	log     zerolog.Logger

	mu   sync.RWMutex
	subs map[string]*subscriber
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufSize int, log zerolog.Logger) *Bus {
	if bufSize < 1 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		bufSize: bufSize,
		log:     log.With().Str("component", "push").Logger(),
		subs:    make(map[string]*subscriber),
	}
}

// Subscribe registers a subscriber for the given topics.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	sub := &subscriber{
		id:     uuid.New().String(),
		ch:     make(chan Message, b.bufSize),
		topics: make(map[Topic]struct{}, len(topics)),
	}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return &Subscription{ID: sub.id, C: sub.ch, bus: b, sub: sub}
}

// AddTopics extends a live subscription.
func (b *Bus) AddTopics(id string, topics ...Topic) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok || sub.closed {
		return domain.NewError(domain.CodeValidation, "subscription %s is not active", id)
	}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
	}
	return nil
}

// RemoveTopics narrows a live subscription.
func (b *Bus) RemoveTopics(id string, topics ...Topic) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok || sub.closed {
		return domain.NewError(domain.CodeValidation, "subscription %s is not active", id)
	}
	for _, topic := range topics {
		delete(sub.topics, topic)
	}
	return nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok && !sub.closed {
		sub.closed = true
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Publish delivers the message to every subscriber of the topic without
// blocking. A subscriber with a full buffer is dropped with
// LaggingSubscriber; publishers never wait on consumers.
func (b *Bus) Publish(topic Topic, data any) {
	msg := Message{Topic: topic, Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if _, want := sub.topics[topic]; !want {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			sub.closed = true
			sub.err = domain.NewError(domain.CodeLaggingSubscriber,
				"subscriber %s dropped: buffer of %d messages full", id, b.bufSize)
			close(sub.ch)
			delete(b.subs, id)
			b.log.Warn().Str("subscriber", id).Str("topic", string(topic)).
				Msg("Dropped lagging subscriber")
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
