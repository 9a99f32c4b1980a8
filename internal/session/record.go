package session

import (
	"crypto/subtle"
	"sync"
	"time"

	"exam-proctor/internal/media"
)

// Record is the live, mutable side of a session. All mutation goes through
// its methods, which check the lifecycle state under the record lock at the
// moment of mutation. A record that has left StatusActive never changes again.
type Record struct {
	id        string
	studentID string
	examID    string
	unitID    string
	token     string
	input     *Bus

	mu        sync.Mutex
	data      Session
	closing   bool
	lastStamp time.Time
	screen    media.Handle
	webcam    media.Handle
	stopMon   func()
}

func NewRecord(id, studentID, examID, unitID string, start time.Time) *Record {
	return &Record{
		id:        id,
		studentID: studentID,
		examID:    examID,
		unitID:    unitID,
		input:     NewBus(),
		lastStamp: start,
		data: Session{
			ID:         id,
			StudentID:  studentID,
			ExamID:     examID,
			UnitID:     unitID,
			StartTime:  start,
			Status:     StatusActive,
			KeyLogs:    []string{},
			Violations: []Violation{},
		},
	}
}

func (r *Record) ID() string        { return r.id }
func (r *Record) SessionID() string { return r.id }
func (r *Record) StudentID() string { return r.studentID }
func (r *Record) ExamID() string    { return r.examID }
func (r *Record) UnitID() string    { return r.unitID }

// SetToken sets the secret the student client presents to act on this
// session. It must be called before the record is shared.
func (r *Record) SetToken(token string) { r.token = token }

// Authenticate reports whether token is the session's access token.
func (r *Record) Authenticate(token string) bool {
	if r.token == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(r.token), []byte(token)) == 1
}

// Input is the session's event source for monitors.
func (r *Record) Input() *Bus { return r.input }

// Snapshot returns a deep copy of the current state.
func (r *Record) Snapshot() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.Clone()
}

func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.Status
}

// EndTime returns the close time, or the zero time while active.
func (r *Record) EndTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data.EndTime == nil {
		return time.Time{}
	}
	return *r.data.EndTime
}

// Accepting reports whether the session is active and not closing.
func (r *Record) Accepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acceptingLocked()
}

func (r *Record) acceptingLocked() bool {
	return r.data.Status == StatusActive && !r.closing
}

// stampLocked returns a timestamp no earlier than any previously issued one,
// so the logs stay ordered even if the wall clock steps backwards.
func (r *Record) stampLocked(now time.Time) time.Time {
	if now.Before(r.lastStamp) {
		now = r.lastStamp
	}
	r.lastStamp = now
	return now
}

// AppendViolation appends a violation built from spec with the given id. It
// returns false, and changes nothing, unless the session is active and not
// closing; duringClose relaxes the closing check for the violation that
// records a forced termination. If non-nil, then runs under the record lock
// after the append so forwarding preserves recording order.
func (r *Record) AppendViolation(id string, spec ViolationSpec, now time.Time, duringClose bool, then func(Violation)) (Violation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data.Status != StatusActive || (r.closing && !duringClose) {
		return Violation{}, false
	}

	v := Violation{
		ID:          id,
		Type:        spec.Type,
		Timestamp:   r.stampLocked(now),
		Severity:    spec.Severity,
		Description: spec.Description,
		Screenshot:  spec.Screenshot,
	}
	r.data.Violations = append(r.data.Violations, v)
	if then != nil {
		then(v)
	}
	return v, true
}

// AppendKeyLog records one key event as "<RFC 3339 time>: <key>".
func (r *Record) AppendKeyLog(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.acceptingLocked() {
		return false
	}
	at := r.stampLocked(now)
	r.data.KeyLogs = append(r.data.KeyLogs, at.UTC().Format(time.RFC3339Nano)+": "+key)
	return true
}

// SetMonitoring stores the func that stops the session's monitors. It
// returns false if the session no longer accepts monitoring, in which case
// the caller still owns stop.
func (r *Record) SetMonitoring(stop func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.acceptingLocked() || r.stopMon != nil {
		return false
	}
	r.stopMon = stop
	return true
}

// TakeMonitoring removes and returns the monitor stop func, or nil.
func (r *Record) TakeMonitoring() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	stop := r.stopMon
	r.stopMon = nil
	return stop
}

// BeginClose marks an active session as closing. Only the first caller gets
// true; everyone else must treat the close as already in progress or done.
func (r *Record) BeginClose() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.acceptingLocked() {
		return false
	}
	r.closing = true
	return true
}

// Finish moves a closing session into its terminal status and returns the
// frozen snapshot.
func (r *Record) Finish(status Status, now time.Time) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data.Status == StatusActive && status.IsTerminal() {
		end := r.stampLocked(now)
		r.data.EndTime = &end
		r.data.Status = status
	}
	return r.data.Clone()
}

// AttachMedia implements media.Owner.
func (r *Record) AttachMedia(h media.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.acceptingLocked() {
		return media.ErrOwnerClosed
	}
	slot := r.slotLocked(h.Kind())
	if slot == nil {
		return media.ErrUnavailable
	}
	if *slot != nil {
		return media.ErrSlotBusy
	}
	*slot = h
	r.syncMediaLocked()
	return nil
}

// DetachMedia implements media.Owner.
func (r *Record) DetachMedia(h media.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.slotLocked(h.Kind())
	if slot == nil || *slot != h {
		return false
	}
	*slot = nil
	r.syncMediaLocked()
	return true
}

// ReleaseMedia implements media.Owner.
func (r *Record) ReleaseMedia() []media.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var held []media.Handle
	if r.screen != nil {
		held = append(held, r.screen)
	}
	if r.webcam != nil {
		held = append(held, r.webcam)
	}
	r.screen, r.webcam = nil, nil
	r.syncMediaLocked()
	return held
}

// HeldMedia returns the number of live handles.
func (r *Record) HeldMedia() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	if r.screen != nil {
		n++
	}
	if r.webcam != nil {
		n++
	}
	return n
}

func (r *Record) slotLocked(kind media.Kind) *media.Handle {
	switch kind {
	case media.Screen:
		return &r.screen
	case media.Webcam:
		return &r.webcam
	}
	return nil
}

func (r *Record) syncMediaLocked() {
	r.data.Screen, r.data.Webcam = nil, nil
	if r.screen != nil {
		r.data.Screen = &MediaInfo{HandleID: r.screen.ID()}
	}
	if r.webcam != nil {
		r.data.Webcam = &MediaInfo{HandleID: r.webcam.ID()}
	}
}
