package proctor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"exam-proctor/internal/session"
)

// Authorizer decides whether principal may act on a unit's sessions.
type Authorizer interface {
	AuthorizeTermination(ctx context.Context, principal, unitID string) error
}

// AllowAll authorizes every principal. Use only where authentication is
// handled upstream.
type AllowAll struct{}

func (AllowAll) AuthorizeTermination(context.Context, string, string) error { return nil }

// LecturerView is the invigilator-facing surface: listing a unit's live
// sessions, reading violations and forcing terminations.
type LecturerView struct {
	registry *Registry
	auth     Authorizer
}

func NewLecturerView(r *Registry, auth Authorizer) *LecturerView {
	if auth == nil {
		auth = AllowAll{}
	}
	return &LecturerView{registry: r, auth: auth}
}

// ActiveSessions lists the unit's active sessions for principal.
func (v *LecturerView) ActiveSessions(ctx context.Context, principal, unitID string) ([]*session.Session, error) {
	if err := v.Authorize(ctx, principal, unitID); err != nil {
		return nil, err
	}
	return v.registry.ListActiveSessionsForUnit(unitID), nil
}

// Session returns a session snapshot for principal.
func (v *LecturerView) Session(ctx context.Context, principal, sessionID string) (*session.Session, error) {
	s, err := v.registry.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := v.Authorize(ctx, principal, s.UnitID); err != nil {
		return nil, &SessionError{SessionID: sessionID, Op: "get", Err: err}
	}
	return s, nil
}

// Violations returns a session's violations for principal.
func (v *LecturerView) Violations(ctx context.Context, principal, sessionID string) ([]session.Violation, error) {
	s, err := v.registry.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := v.Authorize(ctx, principal, s.UnitID); err != nil {
		return nil, err
	}
	return s.Violations, nil
}

// Terminate force-closes a session after checking principal may act on its
// unit.
func (v *LecturerView) Terminate(ctx context.Context, principal, sessionID, reason string) error {
	s, err := v.registry.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := v.Authorize(ctx, principal, s.UnitID); err != nil {
		return &SessionError{SessionID: sessionID, Op: "terminate", Err: err}
	}
	log.Info().
		Str("session_id", sessionID).
		Str("reason", reason).
		Msg("invigilator termination requested")
	return v.registry.TerminateSession(ctx, sessionID, reason)
}

// Watch subscribes principal to the unit's live event feed.
func (v *LecturerView) Watch(ctx context.Context, principal, unitID string) (<-chan session.Event, func(), error) {
	if err := v.Authorize(ctx, principal, unitID); err != nil {
		return nil, nil, err
	}
	events, cancel := v.registry.Feed().Subscribe(unitID)
	return events, cancel, nil
}

// Authorize reports whether principal may supervise unitID. Failures wrap
// ErrForbidden.
func (v *LecturerView) Authorize(ctx context.Context, principal, unitID string) error {
	if err := v.auth.AuthorizeTermination(ctx, principal, unitID); err != nil {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	return nil
}
