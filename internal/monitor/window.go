package monitor

import "exam-proctor/internal/session"

// FocusMonitor flags the exam window losing focus.
type FocusMonitor struct{}

func (FocusMonitor) Name() string { return "focus" }

func (FocusMonitor) Start(src Source, sink Sink) (func(), error) {
	if src == nil {
		return nil, ErrNoSource
	}
	return src.Listen(session.InputBlur, func(session.InputEvent) session.Verdict {
		sink.Violation(session.ViolationSpec{
			Type:        session.FocusLoss,
			Severity:    session.SeverityMedium,
			Description: "Browser lost focus during exam",
		})
		return session.Verdict{}
	}), nil
}

// FullscreenMonitor flags leaving fullscreen.
type FullscreenMonitor struct{}

func (FullscreenMonitor) Name() string { return "fullscreen" }

func (FullscreenMonitor) Start(src Source, sink Sink) (func(), error) {
	if src == nil {
		return nil, ErrNoSource
	}
	return src.Listen(session.InputFullscreenChange, func(ev session.InputEvent) session.Verdict {
		if ev.Fullscreen {
			return session.Verdict{}
		}
		sink.Violation(session.ViolationSpec{
			Type:        session.FullscreenExit,
			Severity:    session.SeverityHigh,
			Description: "Exited fullscreen mode during exam",
		})
		return session.Verdict{}
	}), nil
}
