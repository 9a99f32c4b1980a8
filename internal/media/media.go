// Package media owns the lifetime of screen and webcam capture handles for a
// proctored session. Capture itself happens in the student's client; this
// package only sees opaque handles with an explicit acquire/release contract.
package media

import (
	"context"
	"errors"
)

// Kind identifies the capture device behind a handle.
type Kind string

const (
	Screen Kind = "screen"
	Webcam Kind = "webcam"
)

func (k Kind) Valid() bool {
	return k == Screen || k == Webcam
}

// Sentinel errors for typed error checking.
var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrUnavailable      = errors.New("media capture unavailable")
	ErrSlotBusy         = errors.New("media slot already held")
	ErrOwnerClosed      = errors.New("session is not accepting media")
)

// Handle is a live capture stream. A handle is exclusively owned by one
// session and must be stopped exactly once by its owner.
type Handle interface {
	ID() string
	Kind() Kind

	// Ended is closed when the stream stops for any reason: the user
	// revoked sharing, the device went away, or Stop was called.
	Ended() <-chan struct{}

	// Stop ends the stream and releases the underlying tracks. It is
	// idempotent.
	Stop() error
}

// Provider obtains capture handles. Acquisition may block for as long as the
// user takes to answer the permission prompt, so implementations must honour
// ctx cancellation.
type Provider interface {
	AcquireScreen(ctx context.Context, sessionID string) (Handle, error)
	AcquireWebcam(ctx context.Context, sessionID string) (Handle, error)
}

// Owner is the session side of an acquisition. Implementations must make
// AttachMedia and ReleaseMedia mutually exclusive so a handle can never be
// attached to a session that has already released its media.
type Owner interface {
	SessionID() string

	// Accepting reports whether the session is active and not closing.
	Accepting() bool

	// AttachMedia stores h in the slot for h.Kind(). It fails with
	// ErrOwnerClosed once the session stopped accepting media and with
	// ErrSlotBusy if the slot is occupied.
	AttachMedia(h Handle) error

	// DetachMedia clears h's slot if h still occupies it.
	DetachMedia(h Handle) bool

	// ReleaseMedia clears every slot and returns the handles that were
	// held. A second call returns nil.
	ReleaseMedia() []Handle
}

// Reporter receives acquisition outcomes so they can be recorded against the
// session.
type Reporter interface {
	MediaAcquired(owner Owner, h Handle)
	MediaFailed(owner Owner, kind Kind, err error)

	// MediaEnded is called when a stream ends on its own while the owner
	// was still accepting media.
	MediaEnded(owner Owner, h Handle)
}
