// Package session holds the proctoring data model: one Session per
// (student, exam) attempt, its append-only violation and key logs, and the
// process-wide store that tracks sessions across concurrently running exams.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a session. Completed and Terminated are
// terminal.
type Status int

const (
	StatusActive Status = iota
	StatusCompleted
	StatusTerminated
)

var statusNames = map[Status]string{
	StatusActive:     "active",
	StatusCompleted:  "completed",
	StatusTerminated: "terminated",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusTerminated
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	st, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(name string) (Status, error) {
	for k, v := range statusNames {
		if v == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown session status %q", name)
}

// Severity is the triage tag attached to a violation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// ViolationType classifies suspicious behaviour.
type ViolationType string

const (
	FocusLoss      ViolationType = "focus_loss"
	FullscreenExit ViolationType = "fullscreen_exit"
	ForbiddenKey   ViolationType = "forbidden_key"
	MultipleTabs   ViolationType = "multiple_tabs"
	CopyPaste      ViolationType = "copy_paste"
	ExternalDevice ViolationType = "external_device"
)

func (t ViolationType) Valid() bool {
	switch t {
	case FocusLoss, FullscreenExit, ForbiddenKey, MultipleTabs, CopyPaste, ExternalDevice:
		return true
	}
	return false
}

// EventType classifies events forwarded to the event sink.
type EventType string

const (
	EventStart          EventType = "start"
	EventScreenShare    EventType = "screen_share"
	EventWebcamStart    EventType = "webcam_start"
	EventKeyLog         EventType = "key_log"
	EventFocusLoss      EventType = "focus_loss"
	EventFullscreenExit EventType = "fullscreen_exit"
	EventSubmit         EventType = "submit"
)

// EventTypeFor maps a violation to the event type it is forwarded as.
func EventTypeFor(t ViolationType) EventType {
	switch t {
	case FocusLoss:
		return EventFocusLoss
	case FullscreenExit:
		return EventFullscreenExit
	default:
		return EventKeyLog
	}
}

// Violation is an immutable record of suspicious behaviour.
type Violation struct {
	ID          string        `json:"id"`
	Type        ViolationType `json:"type"`
	Timestamp   time.Time     `json:"timestamp"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
	Screenshot  string        `json:"screenshot,omitempty"`
}

// ViolationSpec is a violation before the log assigns its id and timestamp.
type ViolationSpec struct {
	Type        ViolationType `json:"type"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
	Screenshot  string        `json:"screenshot,omitempty"`
}

// Event is the unit delivered to the durable event sink.
type Event struct {
	SessionID string         `json:"sessionId"`
	StudentID string         `json:"studentId"`
	ExamID    string         `json:"examId"`
	UnitID    string         `json:"unitId"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`
}

// MediaInfo describes a held capture handle without exposing it.
type MediaInfo struct {
	HandleID string `json:"handleId"`
}

// Session is a point-in-time copy of a proctored attempt. Values returned by
// the store are snapshots; mutating them has no effect on the live session.
type Session struct {
	ID         string      `json:"id"`
	StudentID  string      `json:"studentId"`
	ExamID     string      `json:"examId"`
	UnitID     string      `json:"unitId"`
	StartTime  time.Time   `json:"startTime"`
	EndTime    *time.Time  `json:"endTime,omitempty"`
	Status     Status      `json:"status"`
	KeyLogs    []string    `json:"keyLogs"`
	Violations []Violation `json:"violations"`
	Screen     *MediaInfo  `json:"screenStream,omitempty"`
	Webcam     *MediaInfo  `json:"webcamStream,omitempty"`
}

// Clone returns a deep copy of the Session.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	c.KeyLogs = make([]string, len(s.KeyLogs))
	copy(c.KeyLogs, s.KeyLogs)
	c.Violations = make([]Violation, len(s.Violations))
	copy(c.Violations, s.Violations)
	if s.Screen != nil {
		m := *s.Screen
		c.Screen = &m
	}
	if s.Webcam != nil {
		m := *s.Webcam
		c.Webcam = &m
	}
	return &c
}

// Duration is the elapsed attempt time, up to now for active sessions.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}
