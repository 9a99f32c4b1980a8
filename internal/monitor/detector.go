// Package monitor implements the per-session violation detector: independent
// keyboard, focus and fullscreen monitors that observe a session's input
// stream and report violations.
package monitor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"exam-proctor/internal/session"
)

var ErrNoSource = errors.New("monitor source is nil")

// Source is the stream of raw client signals a monitor observes.
type Source interface {
	Listen(kind session.InputKind, fn session.Handler) (detach func())
}

// Sink receives what monitors observe for one session. Implementations are
// expected to drop silently once the session has closed.
type Sink interface {
	Violation(spec session.ViolationSpec)
	KeyLog(key string)
}

// Monitor is one independently startable watcher.
type Monitor interface {
	Name() string
	Start(src Source, sink Sink) (stop func(), err error)
}

// Detector starts a fixed set of monitors together.
type Detector struct {
	monitors []Monitor
}

func NewDetector(monitors ...Monitor) *Detector {
	return &Detector{monitors: monitors}
}

// NewDefaultDetector builds the keyboard, focus and fullscreen set around keys.
func NewDefaultDetector(keys *KeyMonitor) *Detector {
	if keys == nil {
		keys = NewKeyMonitor(nil)
	}
	return NewDetector(keys, FocusMonitor{}, FullscreenMonitor{})
}

// Monitors returns the monitor names in start order.
func (d *Detector) Monitors() []string {
	names := make([]string, len(d.monitors))
	for i, m := range d.monitors {
		names[i] = m.Name()
	}
	return names
}

// Start starts every monitor or none: if one fails, the ones already
// started are stopped before the error is returned.
func (d *Detector) Start(src Source, sink Sink) (*Handle, error) {
	if src == nil {
		return nil, ErrNoSource
	}

	h := &Handle{}
	for _, m := range d.monitors {
		stop, err := m.Start(src, sink)
		if err != nil {
			h.Stop()
			return nil, fmt.Errorf("starting %s monitor: %w", m.Name(), err)
		}
		h.stops = append(h.stops, stop)
	}
	return h, nil
}

// Handle stops a started monitor set.
type Handle struct {
	once  sync.Once
	stops []func()
}

// Stop detaches every monitor, in reverse start order. It is idempotent and
// returns only once no monitor can observe further events.
func (h *Handle) Stop() {
	h.once.Do(func() {
		for i := len(h.stops) - 1; i >= 0; i-- {
			h.stops[i]()
		}
		log.Debug().Int("monitors", len(h.stops)).Msg("monitors stopped")
	})
}
