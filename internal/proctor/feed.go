package proctor

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"exam-proctor/internal/session"
)

type subscriber struct {
	ch      chan session.Event
	dropped atomic.Int64
}

// Feed fans live events out to per-unit subscribers such as invigilator
// dashboards. Publishing never blocks: a subscriber that cannot keep up
// misses events.
type Feed struct {
	buffer int

	mu     sync.RWMutex
	closed bool
	subs   map[string]map[*subscriber]struct{}
}

func NewFeed(buffer int) *Feed {
	if buffer < 1 {
		buffer = 64
	}
	return &Feed{
		buffer: buffer,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe returns a channel of events for unitID and a func that ends the
// subscription and closes the channel.
func (f *Feed) Subscribe(unitID string) (<-chan session.Event, func()) {
	s := &subscriber{ch: make(chan session.Event, f.buffer)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	if f.subs[unitID] == nil {
		f.subs[unitID] = make(map[*subscriber]struct{})
	}
	f.subs[unitID][s] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() { f.remove(unitID, s) })
	}
}

func (f *Feed) remove(unitID string, s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[unitID][s]; !ok {
		return
	}
	delete(f.subs[unitID], s)
	if len(f.subs[unitID]) == 0 {
		delete(f.subs, unitID)
	}
	close(s.ch)
}

// Publish delivers ev to every subscriber of its unit.
func (f *Feed) Publish(ev session.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for s := range f.subs[ev.UnitID] {
		select {
		case s.ch <- ev:
		default:
			if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
				log.Warn().Str("unit_id", ev.UnitID).Int64("dropped", n).Msg("feed subscriber too slow, dropping events")
			}
		}
	}
}

// Subscribers returns the number of subscribers for unitID.
func (f *Feed) Subscribers(unitID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[unitID])
}

// Close ends every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, set := range f.subs {
		for s := range set {
			close(s.ch)
		}
	}
	f.subs = make(map[string]map[*subscriber]struct{})
}
