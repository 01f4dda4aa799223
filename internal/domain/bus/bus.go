// Package bus implements the per-session ordered message log that mediates
// all inter-agent communication. Agents append; engines read in insertion
// order. Nothing is ever mutated after publication.
package bus

import (
	"sync"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	"go.uber.org/zap"
)

// DefaultHistoryCap is the default bound on retained messages per session.
// Beyond it the oldest non-summary messages are elided.
const DefaultHistoryCap = 1000

// Filter selects a subset of the log. Zero values match everything.
type Filter struct {
	Sender    string
	Recipient string // matches broadcast messages too when set
	Kind      entity.MessageKind
	FromID    int64 // inclusive
	ToID      int64 // inclusive; 0 = no upper bound
}

func (f Filter) matches(m *entity.Message) bool {
	if f.Sender != "" && m.Sender != f.Sender {
		return false
	}
	if f.Recipient != "" && !m.IsBroadcast() && m.Recipient != f.Recipient {
		return false
	}
	if f.Kind != "" && m.Kind != f.Kind {
		return false
	}
	if f.FromID > 0 && m.ID < f.FromID {
		return false
	}
	if f.ToID > 0 && m.ID > f.ToID {
		return false
	}
	return true
}

// Subscriber receives every published message in publication order.
// Delivery is synchronous under the publish path; subscribers must not block.
type Subscriber func(m entity.Message)

// MessageBus is an append-only, totally-ordered, in-memory log scoped to one
// session. Appends are serialized by an internal mutex; reads copy out a
// consistent prefix and may proceed concurrently with writes.
type MessageBus struct {
	mu          sync.RWMutex
	messages    []*entity.Message
	nextID      int64
	cap         int
	subscribers []Subscriber
	logger      *zap.Logger
}

// New creates a bus with the given history cap (<=0 uses DefaultHistoryCap).
func New(historyCap int, logger *zap.Logger) *MessageBus {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &MessageBus{
		nextID: 1,
		cap:    historyCap,
		logger: logger.With(zap.String("component", "message-bus")),
	}
}

// Subscribe registers a fan-out subscriber (e.g. the transport back to the
// caller). Must be called before publishing begins.
func (b *MessageBus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

// Publish appends the message, assigns the next id and returns the stored
// copy. The input message's ID and CreatedAt are overwritten.
func (b *MessageBus) Publish(m entity.Message) entity.Message {
	b.mu.Lock()
	m.ID = b.nextID
	b.nextID++
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.Recipient == "" {
		m.Recipient = entity.BroadcastRecipient
	}
	stored := m
	b.messages = append(b.messages, &stored)
	b.elideLocked()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	b.logger.Debug("Message published",
		zap.Int64("id", stored.ID),
		zap.String("sender", stored.Sender),
		zap.String("kind", string(stored.Kind)),
	)

	// Fan out outside the lock; subscriber panics must not poison the log.
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn("Bus subscriber panicked", zap.Any("panic", r))
				}
			}()
			s(stored)
		}()
	}
	return stored
}

// elideLocked drops the oldest non-summary messages once the cap is exceeded.
// Summary messages survive eliding so late context rebuilds keep the gist.
func (b *MessageBus) elideLocked() {
	if len(b.messages) <= b.cap {
		return
	}
	overflow := len(b.messages) - b.cap
	kept := make([]*entity.Message, 0, b.cap)
	for _, m := range b.messages {
		if overflow > 0 && m.Kind != entity.KindSummary {
			overflow--
			continue
		}
		kept = append(kept, m)
	}
	b.messages = kept
}

// History returns messages matching the filter, in insertion order.
func (b *MessageBus) History(f Filter) []entity.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]entity.Message, 0, len(b.messages))
	for _, m := range b.messages {
		if f.matches(m) {
			out = append(out, *m)
		}
	}
	return out
}

// Replay returns all messages with id >= fromID, used when an engine rebuilds
// an agent's prompt context.
func (b *MessageBus) Replay(fromID int64) []entity.Message {
	return b.History(Filter{FromID: fromID})
}

// Latest returns the last n messages visible to agentName (broadcasts plus
// messages addressed to or sent by it). n <= 0 returns everything visible.
func (b *MessageBus) Latest(agentName string, n int) []entity.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	visible := make([]entity.Message, 0, len(b.messages))
	for _, m := range b.messages {
		if agentName == "" || m.VisibleTo(agentName) {
			visible = append(visible, *m)
		}
	}
	if n > 0 && len(visible) > n {
		visible = visible[len(visible)-n:]
	}
	return visible
}

// Len returns the number of retained messages.
func (b *MessageBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

// LastID returns the id of the most recent message (0 when empty).
func (b *MessageBus) LastID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.messages) == 0 {
		return 0
	}
	return b.messages[len(b.messages)-1].ID
}
