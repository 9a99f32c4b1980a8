// Package proctor is the session engine: it starts and closes proctored
// exam sessions, binds capture media and violation monitors to them, and
// forwards every lifecycle and violation event to the durable sink.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"exam-proctor/internal/media"
	"exam-proctor/internal/monitor"
	"exam-proctor/internal/session"
	"exam-proctor/internal/storage"
)

const shutdownReason = "proctoring service shutdown"

// EventSink receives every lifecycle and violation event. Log must not block.
type EventSink interface {
	Log(ev session.Event)
}

// Notifier pushes a forced termination to wherever the student is connected.
type Notifier interface {
	NotifyTermination(ctx context.Context, s *session.Session, reason string) error
}

// Archive persists closed sessions and serves them after they have been
// evicted from memory.
type Archive interface {
	ArchiveSession(ctx context.Context, s *session.Session) error
	GetSession(ctx context.Context, id string) (*session.Session, error)
}

// Options configures a Registry. Zero values fall back to defaults.
type Options struct {
	Sink      EventSink
	Provider  media.Provider // default capture provider; may be nil
	Detector  *monitor.Detector
	Archive   Archive
	Notifiers []Notifier
	Metrics   *monitor.Metrics
	Tracer    *monitor.Tracer

	AllowConcurrentAttempts bool
	RetainClosed            time.Duration
	SweepInterval           time.Duration
	FeedBuffer              int

	Now   func() time.Time
	NewID func() string

	// NewToken issues session access tokens. Defaults to random UUIDs.
	NewToken func() string
}

// StartRequest describes a new attempt. Screen and Webcam select which
// capture streams to request before monitoring begins; Provider overrides
// the registry's default provider for this session.
type StartRequest struct {
	StudentID string
	ExamID    string
	UnitID    string
	Screen    bool
	Webcam    bool
	Provider  media.Provider
}

// MediaOutcome reports what happened to one capture request.
type MediaOutcome string

const (
	MediaSkipped     MediaOutcome = "skipped"
	MediaAcquired    MediaOutcome = "acquired"
	MediaDenied      MediaOutcome = "denied"
	MediaUnavailable MediaOutcome = "unavailable"
	MediaCancelled   MediaOutcome = "cancelled"
)

type StartResult struct {
	Session *session.Session `json:"session"`
	// Token authorizes the student client for this session only.
	Token   string           `json:"token"`
	Screen  MediaOutcome     `json:"screen"`
	Webcam  MediaOutcome     `json:"webcam"`
}

type attemptKey struct {
	studentID string
	examID    string
}

// Registry owns every session in the process.
type Registry struct {
	opts     Options
	store    *session.Store
	media    *media.Manager
	detector *monitor.Detector
	feed     *Feed
	sink     EventSink

	attemptsMu sync.Mutex
	attempts   map[attemptKey]string

	shuttingDown atomic.Bool
	bg           sync.WaitGroup
}

// New creates a registry over store. The registry takes ownership of the
// store's lifecycle: Close closes it.
func New(store *session.Store, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.NewToken == nil {
		opts.NewToken = uuid.NewString
	}
	if opts.Detector == nil {
		opts.Detector = monitor.NewDefaultDetector(nil)
	}
	if opts.RetainClosed < 0 {
		opts.RetainClosed = 0
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	sink := opts.Sink
	if sink == nil {
		sink = discardSink{}
	}

	r := &Registry{
		opts:     opts,
		store:    store,
		detector: opts.Detector,
		feed:     NewFeed(opts.FeedBuffer),
		sink:     sink,
		attempts: make(map[attemptKey]string),
	}
	r.media = media.NewManager(opts.Provider, reporter{r})
	return r
}

type discardSink struct{}

func (discardSink) Log(session.Event) {}

func (r *Registry) now() time.Time { return r.opts.Now() }

// Feed returns the live event feed.
func (r *Registry) Feed() *Feed { return r.feed }

// StartSession creates an active session, acquires the requested media and
// then starts the monitors. Media is acquired first because a permission
// prompt takes focus away from the exam window and must not count as a
// focus loss. Media failures do not fail the start; they are reported in the
// result and as events. If ctx ends before the session is fully started the
// session is closed as terminated and the context error returned.
func (r *Registry) StartSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.StudentID == "" || req.ExamID == "" || req.UnitID == "" {
		return nil, &SessionError{Op: "start", Err: fmt.Errorf("%w: studentId, examId and unitId are required", ErrInvalidArgument)}
	}
	if r.shuttingDown.Load() {
		return nil, &SessionError{Op: "start", Err: ErrShuttingDown}
	}

	ctx, span := r.opts.Tracer.StartSpan(ctx, "session.start",
		monitor.AttrStudentID.String(req.StudentID),
		monitor.AttrExamID.String(req.ExamID),
		monitor.AttrUnitID.String(req.UnitID),
	)
	defer span.End()

	rec := session.NewRecord(r.opts.NewID(), req.StudentID, req.ExamID, req.UnitID, r.now())
	token := r.opts.NewToken()
	rec.SetToken(token)
	span.SetAttributes(monitor.AttrSessionID.String(rec.ID()))

	if err := r.reserveAttempt(rec); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &SessionError{Op: "start", Err: err}
	}
	if err := r.store.Insert(rec); err != nil {
		r.releaseAttempt(rec)
		if errors.Is(err, session.ErrStoreClosed) {
			err = ErrShuttingDown
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, &SessionError{SessionID: rec.ID(), Op: "start", Err: err}
	}

	r.opts.Metrics.RecordSessionStart()
	r.logEventAt(rec, session.EventStart, rec.Snapshot().StartTime, map[string]any{"sessionId": rec.ID()})

	logger := log.With().Str("session_id", rec.ID()).Logger()
	logger.Info().
		Str("student_id", req.StudentID).
		Str("exam_id", req.ExamID).
		Str("unit_id", req.UnitID).
		Msg("session started")

	res := &StartResult{Screen: MediaSkipped, Webcam: MediaSkipped}
	if req.Screen {
		res.Screen, _ = r.acquire(ctx, rec, media.Screen, req.Provider)
	}
	if req.Webcam && ctx.Err() == nil {
		res.Webcam, _ = r.acquire(ctx, rec, media.Webcam, req.Provider)
	}
	if err := ctx.Err(); err != nil {
		r.abort(rec, "session start cancelled")
		span.SetStatus(codes.Error, err.Error())
		return nil, &SessionError{SessionID: rec.ID(), Op: "start", Err: err}
	}

	if err := r.startMonitors(rec); err != nil {
		r.abort(rec, "monitor start failed")
		span.SetStatus(codes.Error, err.Error())
		return nil, &SessionError{SessionID: rec.ID(), Op: "start", Err: err}
	}

	res.Session = rec.Snapshot()
	res.Token = token
	return res, nil
}

func (r *Registry) startMonitors(rec *session.Record) error {
	h, err := r.detector.Start(rec.Input(), &recordSink{r: r, rec: rec})
	if err != nil {
		return err
	}
	if !rec.SetMonitoring(h.Stop) {
		// Closed while media was being acquired.
		h.Stop()
	}
	return nil
}

// abort closes a session that failed to start.
func (r *Registry) abort(rec *session.Record, reason string) {
	if rec.BeginClose() {
		r.finish(context.Background(), rec, session.StatusTerminated, reason)
	}
}

// GetSession returns a snapshot of the session, falling back to the archive
// for sessions no longer held in memory.
func (r *Registry) GetSession(ctx context.Context, id string) (*session.Session, error) {
	if rec, ok := r.store.Get(id); ok {
		return rec.Snapshot(), nil
	}
	if r.opts.Archive != nil {
		s, err := r.opts.Archive.GetSession(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, &SessionError{SessionID: id, Op: "get", Err: err}
		}
	}
	return nil, &SessionError{SessionID: id, Op: "get", Err: ErrNotFound}
}

// Authenticate reports whether token is the access token of the live
// session id. Sessions evicted from memory no longer authenticate.
func (r *Registry) Authenticate(id, token string) bool {
	rec, ok := r.store.Get(id)
	return ok && rec.Authenticate(token)
}

// GetViolations returns the session's violations in recording order.
func (r *Registry) GetViolations(ctx context.Context, id string) ([]session.Violation, error) {
	s, err := r.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Violations, nil
}

// ListActiveSessionsForUnit returns snapshots of the unit's active
// sessions, oldest first.
func (r *Registry) ListActiveSessionsForUnit(unitID string) []*session.Session {
	var out []*session.Session
	for _, rec := range r.store.Filter(func(rec *session.Record) bool { return rec.UnitID() == unitID }) {
		if s := rec.Snapshot(); s.Status == session.StatusActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// ActiveCount returns the number of active sessions across all units.
func (r *Registry) ActiveCount() int {
	n := 0
	r.store.Range(func(rec *session.Record) bool {
		if rec.Status() == session.StatusActive {
			n++
		}
		return true
	})
	return n
}

// EndSession completes the session normally. Ending a session that is
// already closed, or closing, is a no-op.
func (r *Registry) EndSession(ctx context.Context, id string) error {
	ctx, span := r.opts.Tracer.StartSpan(ctx, "session.end", monitor.AttrSessionID.String(id))
	defer span.End()

	rec, ok := r.store.Get(id)
	if !ok {
		return &SessionError{SessionID: id, Op: "end", Err: ErrNotFound}
	}
	if !rec.BeginClose() {
		log.Debug().Str("session_id", id).Msg("end ignored, session already closed")
		return nil
	}
	r.finish(ctx, rec, session.StatusCompleted, "")
	return nil
}

// TerminateSession force-closes the session, recording reason as a
// high-severity violation. Only the first of concurrent end or terminate
// calls takes effect.
func (r *Registry) TerminateSession(ctx context.Context, id, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Session terminated by invigilator"
	}

	ctx, span := r.opts.Tracer.StartSpan(ctx, "session.terminate",
		monitor.AttrSessionID.String(id),
		monitor.AttrReason.String(reason),
	)
	defer span.End()

	rec, ok := r.store.Get(id)
	if !ok {
		return &SessionError{SessionID: id, Op: "terminate", Err: ErrNotFound}
	}
	if !rec.BeginClose() {
		log.Debug().Str("session_id", id).Msg("terminate ignored, session already closed")
		return nil
	}

	r.appendViolation(rec, session.ViolationSpec{
		Type:        session.ExternalDevice,
		Severity:    session.SeverityHigh,
		Description: reason,
	}, true)
	snap := r.finish(ctx, rec, session.StatusTerminated, reason)
	r.notify(ctx, snap, reason)
	return nil
}

// finish runs the close sequence for a session whose BeginClose succeeded:
// monitors are detached, media released, and the state frozen.
func (r *Registry) finish(ctx context.Context, rec *session.Record, status session.Status, reason string) *session.Session {
	if stop := rec.TakeMonitoring(); stop != nil {
		stop()
	}
	_ = r.media.ReleaseAll(rec) // failures are logged by the manager
	snap := rec.Finish(status, r.now())
	r.releaseAttempt(rec)

	dur := snap.Duration(*snap.EndTime)
	r.opts.Metrics.RecordSessionClose(status.String(), dur.Seconds())
	monitor.SpanFromContext(ctx).SetAttributes(monitor.AttrStatus.String(status.String()))

	// Only a student's own submission is a submit event. A forced close is
	// carried by its termination violation, the archive and the notifiers.
	if status == session.StatusCompleted {
		r.logEventAt(rec, session.EventSubmit, *snap.EndTime, map[string]any{
			"sessionId":  snap.ID,
			"status":     status.String(),
			"duration":   dur.Milliseconds(),
			"violations": len(snap.Violations),
			"keyLogs":    len(snap.KeyLogs),
		})
	}
	r.archive(snap)

	evt := log.Info()
	if status == session.StatusTerminated {
		evt = log.Warn().Str("reason", reason)
	}
	evt.Str("session_id", snap.ID).
		Str("status", status.String()).
		Dur("duration", dur).
		Int("violations", len(snap.Violations)).
		Msg("session closed")
	return snap
}

func (r *Registry) archive(snap *session.Session) {
	if r.opts.Archive == nil {
		return
	}
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.opts.Archive.ArchiveSession(ctx, snap); err != nil {
			log.Error().Err(err).Str("session_id", snap.ID).Msg("failed to archive session")
		}
	}()
}

func (r *Registry) notify(ctx context.Context, snap *session.Session, reason string) {
	for _, n := range r.opts.Notifiers {
		if err := n.NotifyTermination(ctx, snap, reason); err != nil {
			log.Warn().Err(err).Str("session_id", snap.ID).Msg("termination notify failed")
		}
	}
}

// Dispatch feeds one client input event to the session's monitors and
// returns whether the client should suppress its default action. Events for
// closed sessions are ignored.
func (r *Registry) Dispatch(id string, ev session.InputEvent) (session.Verdict, error) {
	if !ev.Kind.Valid() {
		return session.Verdict{}, &SessionError{SessionID: id, Op: "dispatch", Err: fmt.Errorf("%w: unknown input kind %q", ErrInvalidArgument, ev.Kind)}
	}
	rec, ok := r.store.Get(id)
	if !ok {
		return session.Verdict{}, &SessionError{SessionID: id, Op: "dispatch", Err: ErrNotFound}
	}
	if !rec.Accepting() {
		return session.Verdict{}, nil
	}
	return rec.Input().Dispatch(ev), nil
}

// RecordViolation records a violation reported by a detector outside the
// built-in monitors. It returns nil without error if the session has
// already closed.
func (r *Registry) RecordViolation(id string, spec session.ViolationSpec) (*session.Violation, error) {
	if !spec.Type.Valid() || !spec.Severity.Valid() {
		return nil, &SessionError{SessionID: id, Op: "record violation", Err: fmt.Errorf("%w: bad type %q or severity %q", ErrInvalidArgument, spec.Type, spec.Severity)}
	}
	rec, ok := r.store.Get(id)
	if !ok {
		return nil, &SessionError{SessionID: id, Op: "record violation", Err: ErrNotFound}
	}
	v, ok := r.appendViolation(rec, spec, false)
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// AcquireScreenShare requests screen capture for an active session, for
// example when the student re-shares after stopping. p may be nil.
func (r *Registry) AcquireScreenShare(ctx context.Context, id string, p media.Provider) (MediaOutcome, error) {
	return r.acquireByID(ctx, id, media.Screen, p)
}

// AcquireWebcam requests webcam capture for an active session.
func (r *Registry) AcquireWebcam(ctx context.Context, id string, p media.Provider) (MediaOutcome, error) {
	return r.acquireByID(ctx, id, media.Webcam, p)
}

func (r *Registry) acquireByID(ctx context.Context, id string, kind media.Kind, p media.Provider) (MediaOutcome, error) {
	rec, ok := r.store.Get(id)
	if !ok {
		return MediaUnavailable, &SessionError{SessionID: id, Op: "acquire " + string(kind), Err: ErrNotFound}
	}
	return r.acquire(ctx, rec, kind, p)
}

func (r *Registry) acquire(ctx context.Context, rec *session.Record, kind media.Kind, p media.Provider) (MediaOutcome, error) {
	ctx, span := r.opts.Tracer.StartSpan(ctx, "media.acquire",
		monitor.AttrSessionID.String(rec.ID()),
		monitor.AttrMediaKind.String(string(kind)),
	)
	defer span.End()

	var err error
	switch kind {
	case media.Screen:
		_, err = r.media.AcquireScreenShare(ctx, rec, p)
	case media.Webcam:
		_, err = r.media.AcquireWebcam(ctx, rec, p)
	default:
		err = fmt.Errorf("%w: unknown media kind %q", ErrInvalidArgument, kind)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return outcomeOf(err), err
}

func outcomeOf(err error) MediaOutcome {
	switch {
	case err == nil:
		return MediaAcquired
	case errors.Is(err, media.ErrPermissionDenied):
		return MediaDenied
	case errors.Is(err, media.ErrOwnerClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return MediaCancelled
	default:
		return MediaUnavailable
	}
}

func (r *Registry) reserveAttempt(rec *session.Record) error {
	if r.opts.AllowConcurrentAttempts {
		return nil
	}
	k := attemptKey{studentID: rec.StudentID(), examID: rec.ExamID()}

	r.attemptsMu.Lock()
	defer r.attemptsMu.Unlock()
	if _, busy := r.attempts[k]; busy {
		return ErrAttemptInProgress
	}
	r.attempts[k] = rec.ID()
	return nil
}

func (r *Registry) releaseAttempt(rec *session.Record) {
	if r.opts.AllowConcurrentAttempts {
		return
	}
	k := attemptKey{studentID: rec.StudentID(), examID: rec.ExamID()}

	r.attemptsMu.Lock()
	defer r.attemptsMu.Unlock()
	if r.attempts[k] == rec.ID() {
		delete(r.attempts, k)
	}
}

// Run evicts closed sessions older than the retention window until ctx is
// done.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.opts.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep()
		}
	}
}

// Sweep evicts closed sessions whose retention has expired and returns how
// many were removed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.opts.RetainClosed)
	expired := r.store.Filter(func(rec *session.Record) bool {
		return rec.Status().IsTerminal() && !rec.EndTime().After(cutoff)
	})
	for _, rec := range expired {
		r.store.Delete(rec.ID())
	}
	if len(expired) > 0 {
		log.Debug().Int("evicted", len(expired)).Int("remaining", r.store.Len()).Msg("swept closed sessions")
	}
	return len(expired)
}

// Close terminates every active session, releases its media and waits for
// background work, bounded by ctx. Further starts fail with ErrShuttingDown.
func (r *Registry) Close(ctx context.Context) error {
	if !r.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	r.store.Close()

	closed := 0
	r.store.Range(func(rec *session.Record) bool {
		if rec.BeginClose() {
			snap := r.finish(ctx, rec, session.StatusTerminated, shutdownReason)
			r.notify(ctx, snap, shutdownReason)
			closed++
		}
		return true
	})
	log.Info().Int("terminated", closed).Msg("proctoring registry closing")

	done := make(chan struct{})
	go func() {
		r.media.Wait()
		r.bg.Wait()
		close(done)
	}()

	defer r.feed.Close()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session cleanup: %w", ctx.Err())
	}
}
