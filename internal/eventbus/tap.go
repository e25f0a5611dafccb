package eventbus

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Envelope is one event as delivered to tap subscribers.
type Envelope struct {
	Topic   string              `json:"topic"`
	Time    time.Time           `json:"time"`
	Payload jsoniter.RawMessage `json:"payload"`
}

// Tap is an in-process broadcaster feeding live viewers (the /ws/events
// endpoint). Slow subscribers miss events instead of blocking publishers.
type Tap struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan Envelope
	dropped uint64
}

// NewTap creates an empty tap.
func NewTap() *Tap {
	return &Tap{subs: make(map[int]chan Envelope)}
}

// Subscribe registers a subscriber with a buffer of size buf. The returned
// cancel func unregisters it and closes the channel.
func (t *Tap) Subscribe(buf int) (<-chan Envelope, func()) {
	ch := make(chan Envelope, buf)
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the current subscriber count.
func (t *Tap) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Dropped returns the number of deliveries skipped because a subscriber was full.
func (t *Tap) Dropped() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}

// Publish implements event.Publisher.
func (t *Tap) Publish(_ context.Context, topic string, v interface{}) error {
	t.mu.RLock()
	n := len(t.subs)
	t.mu.RUnlock()
	if n == 0 {
		return nil
	}

	payload, err := Encode(v)
	if err != nil {
		return err
	}
	env := Envelope{Topic: topic, Time: time.Now().UTC(), Payload: payload}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- env:
		default:
			t.dropped++
		}
	}
	return nil
}
