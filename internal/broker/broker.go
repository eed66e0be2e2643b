// ABOUTME: In-memory per-conversation pub/sub broker for live messaging events
// ABOUTME: Fans out NewMessage, ReadReceipt and typing events to subscribers

package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hearth/internal/metrics"
	"github.com/2389/hearth/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// DefaultTypingWindow is how long a typing signal stays active
	// without a refresh before TypingStop is emitted.
	DefaultTypingWindow = 2 * time.Second
)

// EventType identifies the kind of live event on a conversation topic.
type EventType string

const (
	EventNewMessage  EventType = "new_message"
	EventReadReceipt EventType = "read_receipt"
	EventTypingStart EventType = "typing_start"
	EventTypingStop  EventType = "typing_stop"
)

// Event is one live event on a conversation topic. Delivery is live-only:
// events published before a subscription are never replayed.
type Event struct {
	Type           EventType      `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Timestamp      time.Time      `json:"ts"`
	Message        *store.Message `json:"message,omitempty"`    // NewMessage
	ReaderID       string         `json:"reader_id,omitempty"`  // ReadReceipt
	MessageID      int64          `json:"message_id,omitempty"` // ReadReceipt
	UserID         string         `json:"user_id,omitempty"`    // TypingStart/Stop
}

type typingKey struct {
	conversationID string
	userID         string
}

// typingState is one active typing signal. The generation counter guards
// against a window timer that has already fired but whose callback has not
// yet run: a refresh bumps the generation, so the stale callback is
// discarded instead of emitting a premature TypingStop.
type typingState struct {
	timer *time.Timer
	gen   uint64
}

// Broker provides in-memory pub/sub for live conversation events.
// Subscribers register for a conversation and receive events in publish
// order, at most once each. There is no durable replay: reconnecting
// subscribers reconcile through the store first, then subscribe.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // conversationID -> subID -> ch
	closed      bool

	typingMu     sync.Mutex
	typing       map[typingKey]*typingState
	typingWindow time.Duration

	logger *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithTypingWindow overrides the typing expiry window (tests use short ones).
func WithTypingWindow(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.typingWindow = d
		}
	}
}

// New creates a broker. Pass nil logger for default.
func New(logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		subscribers:  make(map[string]map[string]chan *Event),
		typing:       make(map[typingKey]*typingState),
		typingWindow: DefaultTypingWindow,
		logger:       logger.With("component", "broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber for live events on the given
// conversation. Returns a channel that receives events and a subscription
// ID for later cancellation. The subscription is automatically cleaned up
// when ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, conversationID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan *Event)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish sends an event to every current subscriber of the conversation.
// Non-blocking: the event is dropped for subscribers whose channels are
// full, which is how dead subscribers are shed. Events across different
// conversations carry no ordering guarantee.
func (b *Broker) Publish(conversationID string, event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Sends happen under the read lock. They are non-blocking, so the
	// lock is never held across I/O, and Unsubscribe (which closes
	// channels under the write lock) can never interleave with a send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[conversationID] {
		select {
		case ch <- event:
			metrics.EventsDelivered.WithLabelValues(string(event.Type)).Inc()
		default:
			// Subscriber channel full, drop the event for this subscriber
			metrics.EventsDropped.WithLabelValues(string(event.Type)).Inc()
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", conversationID,
				"event_type", event.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel. After it
// returns, no further events are delivered to that handle; deliveries
// already buffered may still be drained by the reader.
func (b *Broker) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty conversation entries
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// BroadcastTyping registers typing activity for (conversationID, userID).
// The first call emits TypingStart and arms the expiry timer; calls within
// the active window only refresh the timer. When the window elapses with
// no refresh, TypingStop is emitted and the signal is cleared. Signals are
// broker memory only and are never persisted.
func (b *Broker) BroadcastTyping(conversationID, userID string) {
	key := typingKey{conversationID, userID}

	b.typingMu.Lock()
	defer b.typingMu.Unlock()
	if b.closed {
		return
	}

	if st, active := b.typing[key]; active {
		st.timer.Stop()
		st.gen++
		gen := st.gen
		st.timer = time.AfterFunc(b.typingWindow, func() {
			b.expireTyping(key, gen)
		})
		return
	}

	st := &typingState{}
	st.timer = time.AfterFunc(b.typingWindow, func() {
		b.expireTyping(key, 0)
	})
	b.typing[key] = st

	b.Publish(conversationID, &Event{
		Type:           EventTypingStart,
		ConversationID: conversationID,
		UserID:         userID,
	})
}

// expireTyping clears an expired typing signal and emits TypingStop.
// Firings from a superseded timer generation are discarded.
func (b *Broker) expireTyping(key typingKey, gen uint64) {
	b.typingMu.Lock()
	if b.closed {
		b.typingMu.Unlock()
		return
	}
	st, active := b.typing[key]
	if !active || st.gen != gen {
		b.typingMu.Unlock()
		return
	}
	delete(b.typing, key)
	b.typingMu.Unlock()

	b.Publish(key.conversationID, &Event{
		Type:           EventTypingStop,
		ConversationID: key.conversationID,
		UserID:         key.userID,
	})
}

// Close shuts down the broker: stops typing timers and closes all
// subscriber channels.
func (b *Broker) Close() {
	b.typingMu.Lock()
	b.closed = true
	for key, st := range b.typing {
		st.timer.Stop()
		delete(b.typing, key)
	}
	b.typingMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}

	b.logger.Debug("broker closed")
}
