package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"exam-proctor/internal/config"
	"exam-proctor/internal/media"
	"exam-proctor/internal/monitor"
	"exam-proctor/internal/proctor"
	"exam-proctor/internal/session"
)

const connectionLostReason = "Exam connection lost"

var (
	errConnClosed = errors.New("exam connection closed")
	errSlowClient = errors.New("exam client not reading")
)

// Hub serves the student exam stream. Each connection owns at most one
// session; the hub routes terminations to it and doubles as the media
// Messenger for that session's RemoteProvider.
type Hub struct {
	registry *proctor.Registry
	stream   config.StreamConfig
	policy   config.ProctorConfig
	metrics  *monitor.Metrics

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	mu    sync.RWMutex
	conns map[string]*examConn
}

func NewHub(stream config.StreamConfig, policy config.ProctorConfig, metrics *monitor.Metrics) *Hub {
	if stream.PingInterval <= 0 {
		stream.PingInterval = 30 * time.Second
	}
	if stream.PongTimeout <= stream.PingInterval {
		stream.PongTimeout = 2 * stream.PingInterval
	}
	if stream.WriteTimeout <= 0 {
		stream.WriteTimeout = 10 * time.Second
	}
	h := &Hub{
		stream:         stream,
		policy:         policy,
		metrics:        metrics,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		conns:          make(map[string]*examConn),
	}
	for _, origin := range stream.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		h.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			h.allowedHosts[parsed.Host] = true
		}
	}
	return h
}

// Bind attaches the registry sessions are started on. It must be called
// before the hub serves connections; the registry in turn holds the hub as
// a termination Notifier.
func (h *Hub) Bind(r *proctor.Registry) {
	h.registry = r
}

// Clients returns the number of connections bound to a session.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// NotifyTermination implements proctor.Notifier by telling the student's
// connection, if it is on this instance, that the exam is over.
func (h *Hub) NotifyTermination(_ context.Context, s *session.Session, reason string) error {
	h.mu.RLock()
	c, ok := h.conns[s.ID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	c.finish(serverMessage{Type: msgTerminated, Status: s.Status.String(), Reason: reason, At: s.EndTime})
	return nil
}

func (h *Hub) register(id string, c *examConn) {
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(id string, c *examConn) {
	h.mu.Lock()
	if h.conns[id] == c {
		delete(h.conns, id)
	}
	h.mu.Unlock()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.allowedOrigins) > 0 {
		if h.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return h.allowedHosts[parsed.Host]
		}
		return false
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return parsed.Host == r.Host
}

// HandleExamStream upgrades the request and runs the exam protocol until the
// client disconnects or the session closes.
func (h *Hub) HandleExamStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("exam stream upgrade failed")
		return
	}

	c := newExamConn(h, conn)
	if h.metrics != nil {
		h.metrics.StreamConnections.Inc()
		defer h.metrics.StreamConnections.Dec()
	}
	c.logger.Info().Msg("exam client connected")
	go c.writePump()
	c.readLoop()
	c.logger.Info().Msg("exam client disconnected")
}

type examConn struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	provider *media.RemoteProvider
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	work   sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	sessionID string
}

func newExamConn(h *Hub, conn *websocket.Conn) *examConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &examConn{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 64),
		logger: log.With().Str("remote_addr", conn.RemoteAddr().String()).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	c.provider = media.NewRemoteProvider(c, h.policy.MediaConsentTimeout)
	return c
}

// RequestMedia implements media.Messenger.
func (c *examConn) RequestMedia(req media.Request) error {
	return c.write(serverMessage{Type: msgMediaRequest, Request: req})
}

// StopTrack implements media.Messenger.
func (c *examConn) StopTrack(handleID string, kind media.Kind) error {
	return c.write(serverMessage{Type: msgStopTrack, HandleID: handleID, Kind: string(kind)})
}

func (c *examConn) write(msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSlowClient
	}
}

// finish sends a last message and closes the connection once it is written.
func (c *examConn) finish(msg serverMessage) {
	if err := c.write(msg); err != nil && !errors.Is(err, errConnClosed) {
		c.logger.Warn().Err(err).Str("type", msg.Type).Msg("final exam message not queued")
	}
	c.closeSend()
}

func (c *examConn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *examConn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *examConn) writePump() {
	cfg := c.hub.stream
	ping := time.NewTicker(cfg.PingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *examConn) readLoop() {
	cfg := c.hub.stream
	c.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	defer c.cleanup()

	started := false
	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("exam stream read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))

		switch msg.Type {
		case msgStart:
			if started {
				c.reject(msg.Seq, "session already started", "ALREADY_STARTED")
				continue
			}
			if msg.Start == nil {
				c.reject(msg.Seq, "start payload required", "INVALID_REQUEST")
				continue
			}
			if err := validate.Struct(msg.Start); err != nil {
				c.reject(msg.Seq, err.Error(), "VALIDATION_ERROR")
				continue
			}
			started = true
			c.async(func() { c.start(*msg.Start) })
		case msgMediaReply:
			c.provider.Resolve(msg.RequestID, msg.Granted, msg.Reason)
		case msgTrackEnded:
			c.provider.TrackEnded(msg.HandleID)
		case msgInput:
			c.input(msg)
		case msgViolation:
			c.violation(msg)
		case msgReshare:
			kind := media.Kind(msg.Kind)
			if !kind.Valid() {
				c.reject(msg.Seq, "unknown media kind", "INVALID_REQUEST")
				continue
			}
			c.async(func() { c.reshare(kind) })
		case msgSubmit:
			c.submit()
		default:
			c.reject(msg.Seq, "unknown message type "+msg.Type, "INVALID_REQUEST")
		}
	}
}

// async runs fn off the read loop so media replies keep flowing while fn
// waits on a permission prompt.
func (c *examConn) async(fn func()) {
	c.work.Add(1)
	go func() {
		defer c.work.Done()
		fn()
	}()
}

func (c *examConn) reject(seq int64, msg, code string) {
	_ = c.write(serverMessage{Type: msgError, Seq: seq, Error: msg, Code: code})
}

func (c *examConn) start(req ExamStart) {
	policy := c.hub.policy
	screen, webcam := policy.RequestScreen, policy.RequestWebcam
	if req.Screen != nil {
		screen = *req.Screen
	}
	if req.Webcam != nil {
		webcam = *req.Webcam
	}

	res, err := c.hub.registry.StartSession(c.ctx, proctor.StartRequest{
		StudentID: req.StudentID,
		ExamID:    req.ExamID,
		UnitID:    req.UnitID,
		Screen:    screen,
		Webcam:    webcam,
		Provider:  c.provider,
	})
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		_, code := errorStatus(err)
		c.finish(serverMessage{Type: msgError, Error: err.Error(), Code: code})
		return
	}

	id := res.Session.ID
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
	c.hub.register(id, c)

	_ = c.write(serverMessage{Type: msgStarted, Session: res.Session, Screen: res.Screen, Webcam: res.Webcam})

	// A termination that landed before register had nobody to notify.
	if s, err := c.hub.registry.GetSession(c.ctx, id); err == nil && s.Status.IsTerminal() {
		c.finish(serverMessage{Type: msgTerminated, Status: s.Status.String(), At: s.EndTime})
	}
}

func (c *examConn) input(msg clientMessage) {
	if msg.Input == nil {
		c.reject(msg.Seq, "input payload required", "INVALID_REQUEST")
		return
	}
	if err := validate.Struct(msg.Input); err != nil {
		c.reject(msg.Seq, err.Error(), "VALIDATION_ERROR")
		return
	}
	verdict := session.Verdict{}
	if id := c.session(); id != "" {
		v, err := c.hub.registry.Dispatch(id, msg.Input.toInput())
		if err != nil && !errors.Is(err, proctor.ErrNotFound) {
			c.reject(msg.Seq, err.Error(), "INVALID_REQUEST")
			return
		}
		verdict = v
	}
	_ = c.write(serverMessage{Type: msgVerdict, Seq: msg.Seq, Suppress: verdict.Suppress})
}

func (c *examConn) violation(msg clientMessage) {
	id := c.session()
	if id == "" || msg.Violation == nil {
		c.reject(msg.Seq, "no active session", "NO_SESSION")
		return
	}
	if err := validate.Struct(msg.Violation); err != nil {
		c.reject(msg.Seq, err.Error(), "VALIDATION_ERROR")
		return
	}
	if _, err := c.hub.registry.RecordViolation(id, msg.Violation.toSpec()); err != nil {
		_, code := errorStatus(err)
		c.reject(msg.Seq, err.Error(), code)
	}
}

func (c *examConn) reshare(kind media.Kind) {
	id := c.session()
	if id == "" {
		c.reject(0, "no active session", "NO_SESSION")
		return
	}
	var err error
	if kind == media.Webcam {
		_, err = c.hub.registry.AcquireWebcam(c.ctx, id, c.provider)
	} else {
		_, err = c.hub.registry.AcquireScreenShare(c.ctx, id, c.provider)
	}
	if err != nil && c.ctx.Err() == nil {
		c.logger.Info().Err(err).Str("session_id", id).Str("kind", string(kind)).Msg("re-share failed")
	}
}

func (c *examConn) submit() {
	id := c.session()
	if id == "" {
		c.reject(0, "no active session", "NO_SESSION")
		return
	}
	if err := c.hub.registry.EndSession(c.ctx, id); err != nil {
		_, code := errorStatus(err)
		c.reject(0, err.Error(), code)
		return
	}
	s, err := c.hub.registry.GetSession(c.ctx, id)
	if err != nil {
		c.closeSend()
		return
	}
	c.finish(serverMessage{Type: msgEnded, Status: s.Status.String(), At: s.EndTime})
}

// cleanup runs once the client is gone: pending acquisitions are cancelled,
// a session left open is terminated, and the remaining streams are torn
// down after the session has stopped accepting media so their end is not
// recorded as a violation.
func (c *examConn) cleanup() {
	c.cancel()
	c.work.Wait()

	if id := c.session(); id != "" {
		c.hub.unregister(id, c)
		if err := c.hub.registry.TerminateSession(context.Background(), id, connectionLostReason); err != nil && !errors.Is(err, proctor.ErrNotFound) {
			c.logger.Warn().Err(err).Str("session_id", id).Msg("failed to close session after disconnect")
		}
	}
	c.provider.Close()
	c.closeSend()
}
