package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request asks the student client to open a capture stream.
type Request struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	SessionID string `json:"sessionId"`
}

// Messenger carries media control messages to the student client.
type Messenger interface {
	RequestMedia(req Request) error
	StopTrack(handleID string, kind Kind) error
}

type reply struct {
	granted bool
	reason  string
}

// RemoteProvider acquires capture streams that live in a remote client. A
// request is pushed through the Messenger and acquisition suspends until the
// client answers, ctx is cancelled, or the consent timeout expires.
type RemoteProvider struct {
	messenger Messenger
	timeout   time.Duration

	mu      sync.Mutex
	closed  bool
	pending map[string]chan reply
	handles map[string]*remoteHandle
}

func NewRemoteProvider(messenger Messenger, consentTimeout time.Duration) *RemoteProvider {
	if consentTimeout <= 0 {
		consentTimeout = 2 * time.Minute
	}
	return &RemoteProvider{
		messenger: messenger,
		timeout:   consentTimeout,
		pending:   make(map[string]chan reply),
		handles:   make(map[string]*remoteHandle),
	}
}

func (p *RemoteProvider) AcquireScreen(ctx context.Context, sessionID string) (Handle, error) {
	return p.acquire(ctx, sessionID, Screen)
}

func (p *RemoteProvider) AcquireWebcam(ctx context.Context, sessionID string) (Handle, error) {
	return p.acquire(ctx, sessionID, Webcam)
}

func (p *RemoteProvider) acquire(ctx context.Context, sessionID string, kind Kind) (Handle, error) {
	req := Request{ID: uuid.NewString(), Kind: kind, SessionID: sessionID}
	ch := make(chan reply, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: client disconnected", ErrUnavailable)
	}
	p.pending[req.ID] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, req.ID)
		p.mu.Unlock()
	}()

	if err := p.messenger.RequestMedia(req); err != nil {
		return nil, fmt.Errorf("%w: sending %s request: %v", ErrUnavailable, kind, err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if !r.granted {
			if r.reason == "" {
				r.reason = "declined by user"
			}
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, r.reason)
		}
	case <-timer.C:
		return nil, fmt.Errorf("%w: no answer within %s", ErrPermissionDenied, p.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h := &remoteHandle{
		id:        req.ID,
		kind:      kind,
		ended:     make(chan struct{}),
		messenger: p.messenger,
		provider:  p,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.end()
		return nil, fmt.Errorf("%w: client disconnected", ErrUnavailable)
	}
	p.handles[h.id] = h
	p.mu.Unlock()

	return h, nil
}

// Resolve delivers the client's answer to a pending request. It reports
// whether the request was still pending.
func (p *RemoteProvider) Resolve(requestID string, granted bool, reason string) bool {
	p.mu.Lock()
	ch, ok := p.pending[requestID]
	if ok {
		delete(p.pending, requestID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- reply{granted: granted, reason: reason}
	return true
}

// TrackEnded marks a granted stream as ended by the client.
func (p *RemoteProvider) TrackEnded(handleID string) bool {
	p.mu.Lock()
	h, ok := p.handles[handleID]
	p.mu.Unlock()

	if !ok {
		return false
	}
	h.end()
	return true
}

// Close fails pending requests and ends every handle. It is called when the
// client connection goes away, since its streams go with it.
func (p *RemoteProvider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := p.pending
	handles := p.handles
	p.pending = make(map[string]chan reply)
	p.handles = make(map[string]*remoteHandle)
	p.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{granted: false, reason: "client disconnected"}
	}
	for _, h := range handles {
		h.end()
	}
}

func (p *RemoteProvider) forget(id string) {
	p.mu.Lock()
	delete(p.handles, id)
	p.mu.Unlock()
}

type remoteHandle struct {
	id        string
	kind      Kind
	ended     chan struct{}
	endOnce   sync.Once
	stopOnce  sync.Once
	stopErr   error
	messenger Messenger
	provider  *RemoteProvider
}

func (h *remoteHandle) ID() string             { return h.id }
func (h *remoteHandle) Kind() Kind             { return h.kind }
func (h *remoteHandle) Ended() <-chan struct{} { return h.ended }

func (h *remoteHandle) end() {
	h.endOnce.Do(func() { close(h.ended) })
}

func (h *remoteHandle) Stop() error {
	h.stopOnce.Do(func() {
		select {
		case <-h.ended:
			// Client already tore the track down.
		default:
			h.stopErr = h.messenger.StopTrack(h.id, h.kind)
		}
		h.end()
		h.provider.forget(h.id)
	})
	return h.stopErr
}
