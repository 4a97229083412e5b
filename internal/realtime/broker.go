// Package realtime fans chat lifecycle events out to live subscriber
// channels, keyed by user id.
//
// The broker is process-local: it does not fan out across multiple server
// processes. Running more than one instance requires backing it with an
// external pub/sub broker instead.
package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"persona-chat/internal/domain"
)

// Event types delivered over a subscription stream.
const (
	EventConnected    = "connected"
	EventMessage      = "message"
	EventChatStart    = "chat_start"
	EventChatComplete = "chat_complete"
	EventError        = "error"
	EventPing         = "ping"
)

// Event is one lifecycle moment for a user's conversation. CharacterID lets
// a subscriber filter to the conversation it cares about.
type Event struct {
	Type        string       `json:"type"`
	CharacterID int64        `json:"character_id,omitempty"`
	Turn        *domain.Turn `json:"chat,omitempty"`
	IsFallback  bool         `json:"is_fallback,omitempty"`
	Error       string       `json:"error,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// PingEvent builds the keep-alive event emitted on idle streams.
func PingEvent() Event {
	return Event{Type: EventPing, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// Subscription is one live delivery channel for a user. It exists only in
// process memory for the lifetime of the connection.
type Subscription struct {
	ID     string
	UserID int64
	C      <-chan Event

	ch chan Event
}

// Broker is the in-process publish/subscribe hub. A user may hold several
// concurrent subscriptions (one per open client).
type Broker struct {
	mu         sync.RWMutex
	subs       map[int64]map[string]*Subscription
	bufferSize int
}

// NewBroker creates an empty Broker. bufferSize bounds each subscriber
// channel; events beyond it are dropped for that subscriber rather than
// blocking the publisher.
func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Broker{
		subs:       make(map[int64]map[string]*Subscription),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new live channel for the user.
func (b *Broker) Subscribe(userID int64) *Subscription {
	ch := make(chan Event, b.bufferSize)
	sub := &Subscription{
		ID:     uuid.NewString(),
		UserID: userID,
		C:      ch,
		ch:     ch,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[string]*Subscription)
	}
	b.subs[userID][sub.ID] = sub
	return sub
}

// Unsubscribe removes one channel. Once a user has zero channels its map
// entry is dropped.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	userSubs, ok := b.subs[sub.UserID]
	if !ok {
		return
	}
	if _, ok := userSubs[sub.ID]; !ok {
		return
	}
	delete(userSubs, sub.ID)
	if len(userSubs) == 0 {
		delete(b.subs, sub.UserID)
	}
	close(sub.ch)
}

// Publish delivers evt to every currently-registered channel for the user.
// With no subscribers the event is dropped; there is no replay. A subscriber
// whose buffer is full misses the event rather than stalling the pipeline.
func (b *Broker) Publish(userID int64, evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[userID] {
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// SubscriberCount reports the number of live channels for the user.
func (b *Broker) SubscriberCount(userID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}
