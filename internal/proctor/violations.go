package proctor

import (
	"time"

	"github.com/rs/zerolog/log"

	"exam-proctor/internal/media"
	"exam-proctor/internal/session"
)

// appendViolation records spec against rec and forwards it to the sink and
// feed in recording order. It reports false if the session had already
// stopped accepting violations.
func (r *Registry) appendViolation(rec *session.Record, spec session.ViolationSpec, duringClose bool) (session.Violation, bool) {
	v, ok := rec.AppendViolation(r.opts.NewID(), spec, r.now(), duringClose, func(v session.Violation) {
		r.logEventAt(rec, session.EventTypeFor(v.Type), v.Timestamp, violationData(rec.ID(), v))
	})
	if !ok {
		return v, false
	}

	r.opts.Metrics.RecordViolation(string(v.Type), string(v.Severity))
	log.Warn().
		Str("session_id", rec.ID()).
		Str("type", string(v.Type)).
		Str("severity", string(v.Severity)).
		Str("description", v.Description).
		Msg("violation recorded")
	return v, true
}

func violationData(sessionID string, v session.Violation) map[string]any {
	data := map[string]any{
		"sessionId":   sessionID,
		"violationId": v.ID,
		"type":        string(v.Type),
		"severity":    string(v.Severity),
		"description": v.Description,
	}
	if v.Screenshot != "" {
		data["screenshot"] = v.Screenshot
	}
	return data
}

func (r *Registry) logEvent(rec *session.Record, typ session.EventType, data map[string]any) {
	r.logEventAt(rec, typ, r.now(), data)
}

func (r *Registry) logEventAt(rec *session.Record, typ session.EventType, at time.Time, data map[string]any) {
	ev := session.Event{
		SessionID: rec.ID(),
		StudentID: rec.StudentID(),
		ExamID:    rec.ExamID(),
		UnitID:    rec.UnitID(),
		Timestamp: at,
		Type:      typ,
		Data:      data,
	}
	r.sink.Log(ev)
	r.feed.Publish(ev)
}

// recordSink adapts a session record to monitor.Sink.
type recordSink struct {
	r   *Registry
	rec *session.Record
}

func (s *recordSink) Violation(spec session.ViolationSpec) {
	s.r.appendViolation(s.rec, spec, false)
}

func (s *recordSink) KeyLog(key string) {
	s.rec.AppendKeyLog(key, s.r.now())
}

// reporter receives media outcomes from the manager and records them
// against the owning session.
type reporter struct {
	r *Registry
}

func (rp reporter) record(owner media.Owner) (*session.Record, bool) {
	return rp.r.store.Get(owner.SessionID())
}

func (rp reporter) MediaAcquired(owner media.Owner, h media.Handle) {
	rp.r.opts.Metrics.RecordMedia(string(h.Kind()), string(MediaAcquired))
	rec, ok := rp.record(owner)
	if !ok {
		return
	}
	data := map[string]any{"sessionId": rec.ID(), "status": "started", "handleId": h.ID()}
	rp.r.logEvent(rec, eventForKind(h.Kind()), data)
	log.Info().Str("session_id", rec.ID()).Str("kind", string(h.Kind())).Str("handle_id", h.ID()).Msg("media acquired")
}

func (rp reporter) MediaFailed(owner media.Owner, kind media.Kind, err error) {
	outcome := outcomeOf(err)
	rp.r.opts.Metrics.RecordMedia(string(kind), string(outcome))
	rec, ok := rp.record(owner)
	if !ok {
		return
	}
	data := map[string]any{"sessionId": rec.ID(), "status": "failed", "outcome": string(outcome), "error": err.Error()}
	rp.r.logEvent(rec, eventForKind(kind), data)

	// A missing screen share undermines the attempt; a missing webcam is
	// common and only informational.
	evt := log.Info()
	if kind == media.Screen {
		evt = log.Warn()
	}
	evt.Err(err).Str("session_id", rec.ID()).Str("kind", string(kind)).Msg("media acquisition failed")
}

func (rp reporter) MediaEnded(owner media.Owner, h media.Handle) {
	rp.r.opts.Metrics.RecordMedia(string(h.Kind()), "ended")
	rec, ok := rp.record(owner)
	if !ok {
		return
	}

	spec := session.ViolationSpec{
		Type:        session.ExternalDevice,
		Severity:    session.SeverityHigh,
		Description: "Screen sharing was stopped during exam",
	}
	if h.Kind() == media.Webcam {
		spec.Severity = session.SeverityMedium
		spec.Description = "Webcam was stopped during exam"
	}
	rp.r.appendViolation(rec, spec, false)
}

func eventForKind(kind media.Kind) session.EventType {
	if kind == media.Webcam {
		return session.EventWebcamStart
	}
	return session.EventScreenShare
}
