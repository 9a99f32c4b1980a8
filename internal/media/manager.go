package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager acquires and releases capture handles on behalf of sessions.
type Manager struct {
	provider Provider
	reporter Reporter
	wg       sync.WaitGroup
}

// NewManager creates a manager. provider may be nil when the deployment has
// no default capture provider; callers then pass one per acquisition.
func NewManager(provider Provider, reporter Reporter) *Manager {
	return &Manager{
		provider: provider,
		reporter: reporter,
	}
}

// AcquireScreenShare requests screen capture for owner. If the stream later
// ends while owner is still accepting media, the reporter's MediaEnded hook
// fires.
func (m *Manager) AcquireScreenShare(ctx context.Context, owner Owner, p Provider) (Handle, error) {
	return m.acquire(ctx, owner, Screen, p)
}

// AcquireWebcam requests webcam capture for owner.
func (m *Manager) AcquireWebcam(ctx context.Context, owner Owner, p Provider) (Handle, error) {
	return m.acquire(ctx, owner, Webcam, p)
}

func (m *Manager) acquire(ctx context.Context, owner Owner, kind Kind, p Provider) (Handle, error) {
	if p == nil {
		p = m.provider
	}
	if p == nil {
		err := fmt.Errorf("%w: no provider configured", ErrUnavailable)
		m.reporter.MediaFailed(owner, kind, err)
		return nil, err
	}
	if !owner.Accepting() {
		return nil, ErrOwnerClosed
	}

	var (
		h   Handle
		err error
	)
	switch kind {
	case Screen:
		h, err = p.AcquireScreen(ctx, owner.SessionID())
	case Webcam:
		h, err = p.AcquireWebcam(ctx, owner.SessionID())
	default:
		err = fmt.Errorf("%w: unknown kind %q", ErrUnavailable, kind)
	}
	if err != nil {
		m.reporter.MediaFailed(owner, kind, err)
		return nil, err
	}

	t := &tracked{Handle: h, quit: make(chan struct{})}
	// Counted before the handle becomes visible so a concurrent Wait cannot
	// miss its watcher.
	m.wg.Add(1)
	if err := owner.AttachMedia(t); err != nil {
		m.wg.Done()
		// The session closed (or already holds this kind) while the
		// permission prompt was open.
		if stopErr := t.Stop(); stopErr != nil {
			log.Warn().Err(stopErr).Str("session_id", owner.SessionID()).Str("kind", string(kind)).Msg("failed to stop unattached media")
		}
		if !errors.Is(err, ErrOwnerClosed) {
			m.reporter.MediaFailed(owner, kind, err)
		}
		return nil, err
	}

	go m.watch(owner, t)

	m.reporter.MediaAcquired(owner, t)
	return t, nil
}

func (m *Manager) watch(owner Owner, t *tracked) {
	defer m.wg.Done()

	select {
	case <-t.Ended():
		if !owner.DetachMedia(t) {
			// Released by the session; not a violation.
			return
		}
		if err := t.Stop(); err != nil {
			log.Warn().Err(err).Str("session_id", owner.SessionID()).Msg("failed to stop ended media")
		}
		if owner.Accepting() {
			m.reporter.MediaEnded(owner, t)
		}
	case <-t.quit:
	}
}

// ReleaseAll stops every handle owned by owner and clears its references. It
// is safe to call on every exit path and any number of times.
func (m *Manager) ReleaseAll(owner Owner) error {
	var errs []error
	for _, h := range owner.ReleaseMedia() {
		if h == nil {
			continue
		}
		if err := h.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s handle %s: %w", h.Kind(), h.ID(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Str("session_id", owner.SessionID()).Msg("media release reported errors")
		return err
	}
	return nil
}

// Wait blocks until every stream watcher has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// tracked wraps a provider handle so its watcher can be released without
// depending on the provider closing Ended.
type tracked struct {
	Handle
	quit chan struct{}
	once sync.Once
	err  error
}

func (t *tracked) Stop() error {
	t.once.Do(func() {
		close(t.quit)
		t.err = t.Handle.Stop()
	})
	return t.err
}
