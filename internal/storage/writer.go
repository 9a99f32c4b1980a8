package storage

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"exam-proctor/internal/monitor"
	"exam-proctor/internal/session"
)

const dropLogInterval = 5 * time.Second

// Forwarder hands events to an EventStore in the background. Log never
// blocks: when the buffer is full the event is dropped and counted.
type Forwarder struct {
	store      EventStore
	metrics    *monitor.Metrics
	ch         chan session.Event
	maxRetries int
	baseDelay  time.Duration

	wg        sync.WaitGroup
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	dropped     atomic.Int64
	lastDropLog atomic.Int64
}

func NewForwarder(store EventStore, bufferSize, maxRetries int, metrics *monitor.Metrics) *Forwarder {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	return &Forwarder{
		store:      store,
		metrics:    metrics,
		ch:         make(chan session.Event, bufferSize),
		maxRetries: maxRetries,
		baseDelay:  100 * time.Millisecond,
		done:       make(chan struct{}),
	}
}

func (w *Forwarder) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.processLoop()
	})
}

// Log enqueues ev for delivery.
func (w *Forwarder) Log(ev session.Event) {
	select {
	case <-w.done:
		w.drop(ev, "forwarder stopped, dropping event")
		return
	default:
	}

	select {
	case w.ch <- ev:
	default:
		w.drop(ev, "event buffer full, dropping event")
	}
}

// Dropped returns how many events were discarded.
func (w *Forwarder) Dropped() int64 {
	return w.dropped.Load()
}

func (w *Forwarder) drop(ev session.Event, msg string) {
	n := w.dropped.Add(1)
	w.metrics.RecordSinkEvent("dropped")

	now := time.Now().UnixNano()
	last := w.lastDropLog.Load()
	if now-last < int64(dropLogInterval) || !w.lastDropLog.CompareAndSwap(last, now) {
		return
	}
	log.Warn().
		Str("session_id", ev.SessionID).
		Str("event_type", string(ev.Type)).
		Int64("dropped_total", n).
		Msg(msg)
}

// Flush stops accepting events and waits up to timeout for the buffer to
// drain.
func (w *Forwarder) Flush(timeout time.Duration) {
	w.stopOnce.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("event forwarder flushed")
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.ch)).Msg("event forwarder flush timed out")
	}
}

func (w *Forwarder) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case ev := <-w.ch:
			w.writeWithRetry(ev)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case ev := <-w.ch:
					w.writeWithRetry(ev)
				default:
					return
				}
			}
		}
	}
}

func (w *Forwarder) writeWithRetry(ev session.Event) {
	start := time.Now()
	defer func() { w.metrics.ObserveSinkWrite(time.Since(start).Seconds()) }()

	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.Append(ctx, ev)
		cancel()

		if err == nil {
			w.metrics.RecordSinkEvent("written")
			return
		}

		if attempt < w.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.baseDelay
			log.Warn().
				Err(err).
				Str("session_id", ev.SessionID).
				Str("event_type", string(ev.Type)).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("event write failed, retrying")
			time.Sleep(backoff)
		} else {
			w.metrics.RecordSinkEvent("failed")
			log.Error().
				Err(err).
				Str("session_id", ev.SessionID).
				Str("event_type", string(ev.Type)).
				Msg("event write failed permanently after retries")
		}
	}
}
