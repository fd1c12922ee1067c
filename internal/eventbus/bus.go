// Package eventbus is an in-memory fanout of presence and delivery events.
//
// Publish never blocks: subscribers own buffered channels and a slow subscriber
// loses events instead of stalling the poller.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypePresenceChanged      = "presence.changed"
	TypePresenceAuthRejected = "presence.auth_rejected"
	TypeNotifySent           = "notify.sent"
	TypeNotifyFailed         = "notify.failed"
	TypeConfigReloaded       = "config.reloaded"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// PresenceChanged is the Data of TypePresenceChanged.
type PresenceChanged struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	From        string `json:"from"`
	To          string `json:"to"`
	Status      string `json:"status"`
	First       bool   `json:"first"`
}

// AuthRejected is the Data of TypePresenceAuthRejected.
type AuthRejected struct {
	UserID string `json:"user_id"`
	Body   string `json:"body"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns all events whose Type starts with one of prefixes (all events when none given).
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

// Nop discards everything.
func Nop() Bus { return nopBus{} }

type sub struct {
	ch       chan Event
	prefixes []string
}

func (s *sub) wants(t string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		func() {
			// the channel may be closed by a concurrent unsubscribe
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), prefixes: append([]string(nil), prefixes...)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
func (nopBus) Dropped() uint64 { return 0 }
