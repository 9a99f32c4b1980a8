package api

import (
	"time"

	"exam-proctor/internal/proctor"
	"exam-proctor/internal/session"
)

// StartSessionRequest starts a session without capture media. Clients that
// need screen or webcam capture use the exam stream instead.
type StartSessionRequest struct {
	StudentID string `json:"studentId" validate:"required,max=128"`
	ExamID    string `json:"examId" validate:"required,max=128"`
	UnitID    string `json:"unitId" validate:"required,max=128"`
}

// InputRequest is one raw client signal.
type InputRequest struct {
	Kind       string `json:"kind" validate:"required,oneof=keydown contextmenu blur focus fullscreenchange"`
	Key        string `json:"key,omitempty" validate:"max=64"`
	Ctrl       bool   `json:"ctrl,omitempty"`
	Shift      bool   `json:"shift,omitempty"`
	Alt        bool   `json:"alt,omitempty"`
	Meta       bool   `json:"meta,omitempty"`
	Fullscreen bool   `json:"fullscreen,omitempty"`
}

func (r InputRequest) toInput() session.InputEvent {
	return session.InputEvent{
		Kind:       session.InputKind(r.Kind),
		Key:        r.Key,
		Ctrl:       r.Ctrl,
		Shift:      r.Shift,
		Alt:        r.Alt,
		Meta:       r.Meta,
		Fullscreen: r.Fullscreen,
	}
}

type InputResponse struct {
	Suppress bool `json:"suppress"`
}

// ViolationRequest reports a violation found by a detector outside the
// built-in monitors, such as a tab counter or clipboard hook.
type ViolationRequest struct {
	Type        string `json:"type" validate:"required,oneof=focus_loss fullscreen_exit forbidden_key multiple_tabs copy_paste external_device"`
	Severity    string `json:"severity" validate:"required,oneof=low medium high"`
	Description string `json:"description" validate:"max=1024"`
	Screenshot  string `json:"screenshot,omitempty" validate:"omitempty,max=2097152"`
}

func (r ViolationRequest) toSpec() session.ViolationSpec {
	return session.ViolationSpec{
		Type:        session.ViolationType(r.Type),
		Severity:    session.Severity(r.Severity),
		Description: r.Description,
		Screenshot:  r.Screenshot,
	}
}

type TerminateRequest struct {
	Reason string `json:"reason" validate:"required,max=512"`
}

// ReviewRequest records an invigilator's verdict on one violation. The
// reviewer is the authenticated principal. Notes are limited in bytes, the
// unit the database column is sized in.
type ReviewRequest struct {
	Notes    string `json:"notes,omitempty" validate:"maxbytes=4096"`
	Severity string `json:"severity,omitempty" validate:"omitempty,oneof=low medium high"`
}

type StartSessionResponse = proctor.StartResult

type SessionListResponse struct {
	UnitID   string             `json:"unitId"`
	Count    int                `json:"count"`
	Sessions []*session.Session `json:"sessions"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	RequestID string            `json:"request_id"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status         string `json:"status"`
	Database       bool   `json:"database"`
	ActiveSessions int    `json:"active_sessions"`
	StreamClients  int    `json:"stream_clients"`
	EventsDropped  int64  `json:"events_dropped"`
	Uptime         string `json:"uptime"`
}

// Exam stream protocol. Every frame is a JSON object with a type field.
const (
	msgStart      = "start"
	msgInput      = "input"
	msgMediaReply = "media_reply"
	msgTrackEnded = "track_ended"
	msgViolation  = "violation"
	msgReshare    = "reshare"
	msgSubmit     = "submit"

	msgStarted      = "started"
	msgVerdict      = "verdict"
	msgMediaRequest = "media_request"
	msgStopTrack    = "stop_track"
	msgTerminated   = "terminated"
	msgEnded        = "ended"
	msgError        = "error"
)

// ExamStart is the first frame a student client sends. Screen and Webcam
// default to the server's media policy when omitted.
type ExamStart struct {
	StudentID string `json:"studentId" validate:"required,max=128"`
	ExamID    string `json:"examId" validate:"required,max=128"`
	UnitID    string `json:"unitId" validate:"required,max=128"`
	Screen    *bool  `json:"screen,omitempty"`
	Webcam    *bool  `json:"webcam,omitempty"`
}

type clientMessage struct {
	Type      string            `json:"type"`
	Seq       int64             `json:"seq,omitempty"`
	Start     *ExamStart        `json:"start,omitempty"`
	Input     *InputRequest     `json:"input,omitempty"`
	Violation *ViolationRequest `json:"violation,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Granted   bool              `json:"granted,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	HandleID  string            `json:"handleId,omitempty"`
	Kind      string            `json:"kind,omitempty"`
}

type serverMessage struct {
	Type     string               `json:"type"`
	Seq      int64                `json:"seq,omitempty"`
	Suppress bool                 `json:"suppress,omitempty"`
	Session  *session.Session     `json:"session,omitempty"`
	Screen   proctor.MediaOutcome `json:"screen,omitempty"`
	Webcam   proctor.MediaOutcome `json:"webcam,omitempty"`
	Request  any                  `json:"request,omitempty"`
	HandleID string               `json:"handleId,omitempty"`
	Kind     string               `json:"kind,omitempty"`
	Status   string               `json:"status,omitempty"`
	Reason   string               `json:"reason,omitempty"`
	Error    string               `json:"error,omitempty"`
	Code     string               `json:"code,omitempty"`
	At       *time.Time           `json:"at,omitempty"`
}
