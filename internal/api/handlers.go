package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"exam-proctor/internal/monitor"
	"exam-proctor/internal/proctor"
	"exam-proctor/internal/session"
	"exam-proctor/internal/storage"
)

// ReviewStore persists invigilator reviews of violations.
type ReviewStore interface {
	InsertReview(ctx context.Context, r *storage.ViolationReview) error
	ListReviews(ctx context.Context, sessionID string) ([]storage.ViolationReview, error)
}

// SessionTokenHeader carries the access token returned when a session
// starts.
const SessionTokenHeader = "X-Session-Token"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// max counts runes; maxbytes bounds storage size.
	_ = v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		n, err := strconv.Atoi(fl.Param())
		return err == nil && len(fl.Field().String()) <= n
	})
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SessionHistory lists archived sessions.
type SessionHistory interface {
	ListSessions(ctx context.Context, filter storage.SessionFilter) ([]storage.SessionRecord, error)
}

type Handlers struct {
	registry *proctor.Registry
	lecturer *proctor.LecturerView
	events   storage.EventStore
	reviews  ReviewStore
	history  SessionHistory
	metrics  *monitor.Metrics
}

// NewHandlers wires the HTTP surface. events, reviews and history may be nil
// when no readable store is configured.
func NewHandlers(registry *proctor.Registry, lecturer *proctor.LecturerView, events storage.EventStore, reviews ReviewStore, history SessionHistory, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		registry: registry,
		lecturer: lecturer,
		events:   events,
		reviews:  reviews,
		history:  history,
		metrics:  metrics,
	}
}

func (h *Handlers) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.registry.StartSession(r.Context(), proctor.StartRequest{
		StudentID: req.StudentID,
		ExamID:    req.ExamID,
		UnitID:    req.UnitID,
	})
	if err != nil {
		writeProctorError(w, err, r)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// sessionAccess returns the session if the caller holds its access token or
// supervises its unit.
func (h *Handlers) sessionAccess(r *http.Request, id string) (*session.Session, error) {
	if tok := r.Header.Get(SessionTokenHeader); tok != "" && h.registry.Authenticate(id, tok) {
		return h.registry.GetSession(r.Context(), id)
	}
	return h.lecturer.Session(r.Context(), PrincipalFromContext(r.Context()), id)
}

// unitAccess checks the caller supervises the session's unit.
func (h *Handlers) unitAccess(r *http.Request, id string) error {
	_, err := h.lecturer.Session(r.Context(), PrincipalFromContext(r.Context()), id)
	return err
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessionAccess(r, r.PathValue("id"))
	if err != nil {
		writeProctorError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.sessionAccess(r, id); err != nil {
		writeProctorError(w, err, r)
		return
	}
	if err := h.registry.EndSession(r.Context(), id); err != nil {
		writeProctorError(w, err, r)
		return
	}
	h.writeSession(w, r, id)
}

func (h *Handlers) writeSession(w http.ResponseWriter, r *http.Request, id string) {
	s, err := h.registry.GetSession(r.Context(), id)
	if err != nil {
		writeProctorError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) HandleInput(w http.ResponseWriter, r *http.Request) {
	var req InputRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if _, err := h.sessionAccess(r, id); err != nil {
		writeProctorError(w, err, r)
		return
	}
	verdict, err := h.registry.Dispatch(id, req.toInput())
	if err != nil {
		writeProctorError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, InputResponse{Suppress: verdict.Suppress})
}

func (h *Handlers) HandleRecordViolation(w http.ResponseWriter, r *http.Request) {
	var req ViolationRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if _, err := h.sessionAccess(r, id); err != nil {
		writeProctorError(w, err, r)
		return
	}
	v, err := h.registry.RecordViolation(id, req.toSpec())
	if err != nil {
		writeProctorError(w, err, r)
		return
	}
	if v == nil {
		writeError(w, "session is closed", "SESSION_CLOSED", http.StatusConflict, r)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handlers) HandleListUnitSessions(w http.ResponseWriter, r *http.Request) {
	unitID := r.PathValue("unitId")
	list, err := h.lecturer.ActiveSessions(r.Context(), PrincipalFromContext(r.Context()), unitID)
	if err != nil {
		writeProctorError(w, err, r)
		return
	}
	if list == nil {
		list = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, SessionListResponse{UnitID: unitID, Count: len(list), Sessions: list})
}

// HandleUnitHistory lists a unit's archived sessions, newest first.
func (h *Handlers) HandleUnitHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	unitID := r.PathValue("unitId")
	if err := h.lecturer.Authorize(r.Context(), PrincipalFromContext(r.Context()), unitID); err != nil {
		writeProctorError(w, err, r)
		return
	}

	q := r.URL.Query()
	filter := storage.SessionFilter{
		UnitID:    unitID,
		StudentID: q.Get("student"),
		Status:    q.Get("status"),
	}
	if filter.Status != "" {
		if st, err := session.ParseStatus(filter.Status); err != nil || !st.IsTerminal() {
			writeError(w, "status must be completed or terminated", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, "invalid limit", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, "invalid offset", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	records, err := h.history.ListSessions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Str("unit_id", unitID).Msg("listing archived sessions failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if records == nil {
		records = []storage.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

func (h *Handlers) HandleGetViolations(w http.ResponseWriter, r *http.Request) {
	vs, err := h.lecturer.Violations(r.Context(), PrincipalFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		writeProctorError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, vs)
}

func (h *Handlers) HandleTerminate(w http.ResponseWriter, r *http.Request) {
	var req TerminateRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	principal := PrincipalFromContext(r.Context())
	if err := h.lecturer.Terminate(r.Context(), principal, id, req.Reason); err != nil {
		writeProctorError(w, err, r)
		return
	}
	log.Info().
		Str("session_id", id).
		Str("principal", PrincipalID(principal)).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("session terminated by invigilator")
	h.writeSession(w, r, id)
}

func (h *Handlers) HandleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, "event store not configured", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	id := r.PathValue("id")
	if _, err := h.sessionAccess(r, id); err != nil {
		writeProctorError(w, err, r)
		return
	}
	evs, err := h.events.Events(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrReadUnsupported) {
			writeError(w, "configured event store is write-only", "READ_UNSUPPORTED", http.StatusNotImplemented, r)
			return
		}
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("reading events failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if evs == nil {
		evs = []session.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (h *Handlers) HandleReviewViolation(w http.ResponseWriter, r *http.Request) {
	if h.reviews == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	var req ReviewRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	sessionID, violationID := r.PathValue("id"), r.PathValue("vid")
	vs, err := h.lecturer.Violations(r.Context(), PrincipalFromContext(r.Context()), sessionID)
	if err != nil {
		writeProctorError(w, err, r)
		return
	}
	found := false
	for _, v := range vs {
		if v.ID == violationID {
			found = true
			break
		}
	}
	if !found {
		writeError(w, "violation not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	review := &storage.ViolationReview{
		SessionID:   sessionID,
		ViolationID: violationID,
		Reviewer:    PrincipalID(PrincipalFromContext(r.Context())),
		Notes:       req.Notes,
		Severity:    req.Severity,
	}
	if err := h.reviews.InsertReview(r.Context(), review); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("saving review failed")
		writeError(w, "saving review failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

func (h *Handlers) HandleListReviews(w http.ResponseWriter, r *http.Request) {
	if h.reviews == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	id := r.PathValue("id")
	if err := h.unitAccess(r, id); err != nil {
		writeProctorError(w, err, r)
		return
	}
	reviews, err := h.reviews.ListReviews(r.Context(), id)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if reviews == nil {
		reviews = []storage.ViolationReview{}
	}
	writeJSON(w, http.StatusOK, reviews)
}

// HandleUnitFeed streams a unit's live events as Server-Sent Events,
// starting with a snapshot of its active sessions.
func (h *Handlers) HandleUnitFeed(w http.ResponseWriter, r *http.Request) {
	unitID := r.PathValue("unitId")
	events, cancel, err := h.lecturer.Watch(r.Context(), PrincipalFromContext(r.Context()), unitID)
	if err != nil {
		writeProctorError(w, err, r)
		return
	}
	defer cancel()

	sse := NewSSEWriter(w, "event")
	if sse == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}
	// The feed outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := sse.Send("snapshot", h.registry.ListActiveSessionsForUnit(unitID)); err != nil {
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				sendSSEDone(w, `{"reason":"feed closed"}`)
				return
			}
			if err := sse.Send(string(ev.Type), ev); err != nil {
				return
			}
		case <-keepalive.C:
			if err := sse.Ping(); err != nil {
				return
			}
		}
	}
}

// decodeAndValidate decodes the JSON body into dst and validates it,
// writing the error response itself on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeValidationError(w, err, r)
		return false
	}
	return true
}

func writeValidationError(w http.ResponseWriter, err error, r *http.Request) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg := "failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		fields[fe.Field()] = msg
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:     "validation failed",
		Code:      "VALIDATION_ERROR",
		RequestID: RequestIDFromContext(r.Context()),
		Fields:    fields,
	})
}

// writeProctorError maps engine errors onto HTTP statuses.
func writeProctorError(w http.ResponseWriter, err error, r *http.Request) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		writeError(w, "internal error", code, status, r)
		return
	}
	writeError(w, err.Error(), code, status, r)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, proctor.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, proctor.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, proctor.ErrAttemptInProgress):
		return http.StatusConflict, "ATTEMPT_IN_PROGRESS"
	case errors.Is(err, proctor.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, proctor.ErrShuttingDown):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "CANCELLED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
