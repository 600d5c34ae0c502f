package events

import (
	"sync"
	"time"
)

type Type string

// Pool events. The refresh scheduler subscribes to these so it can skip
// rate-limited accounts and recompute deadlines on membership change.
const (
	TypeRateLimited     Type = "rate_limited"
	TypeRecovered       Type = "recovered"
	TypeTokensRefreshed Type = "tokens_refreshed"
	TypeAccountDisabled Type = "account_disabled"
	TypeAccountAdded    Type = "account_added"
	TypeAccountRemoved  Type = "account_removed"
	TypeMarkUsed        Type = "mark_used"
)

type Event struct {
	Type      Type      `json:"type"`
	Account   string    `json:"account,omitempty"`
	Message   string    `json:"message,omitempty"`
	ResetsAt  time.Time `json:"resetsAt,omitzero"`
	Timestamp time.Time `json:"ts"`
}

// Bus is an in-process pub/sub bus with a bounded ring of recent events.
// Publishing never blocks: slow subscribers drop events.
type Bus struct {
	mu          sync.Mutex
	ring        []Event
	ringPos     int
	ringCount   int
	subscribers map[int]chan Event
	nextID      int
}

func NewBus(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = 200
	}
	return &Bus{
		ring:        make([]Event, ringSize),
		subscribers: make(map[int]chan Event),
	}
}

func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[b.ringPos] = e
	b.ringPos = (b.ringPos + 1) % len(b.ring)
	if b.ringCount < len(b.ring) {
		b.ringCount++
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its id, the delivery
// channel, and a snapshot of recent events.
func (b *Bus) Subscribe() (int, <-chan Event, []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 64)
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	return id, ch, b.recentLocked()
}

func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Recent returns the buffered events, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recentLocked()
}

func (b *Bus) recentLocked() []Event {
	if b.ringCount == 0 {
		return nil
	}
	out := make([]Event, b.ringCount)
	start := (b.ringPos - b.ringCount + len(b.ring)) % len(b.ring)
	for i := range b.ringCount {
		out[i] = b.ring[(start+i)%len(b.ring)]
	}
	return out
}
