package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"exam-proctor/internal/config"
	"exam-proctor/internal/session"
)

type publisher interface {
	Publish(subject string, data []byte) error
}

// Termination is published when an invigilator force-terminates a session.
type Termination struct {
	SessionID string    `json:"sessionId"`
	StudentID string    `json:"studentId"`
	ExamID    string    `json:"examId"`
	UnitID    string    `json:"unitId"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// NATSPublisher streams events onto NATS subjects for downstream analytics.
// It is write-only: Events returns ErrReadUnsupported.
type NATSPublisher struct {
	pub    publisher
	conn   *nats.Conn
	prefix string
}

// ConnectNATS dials the configured server. Reconnects are unlimited so a
// broker restart does not take the service down.
func ConnectNATS(cfg config.NATSConfig) (*NATSPublisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")

	p := newNATSPublisher(nc, cfg.SubjectPrefix)
	p.conn = nc
	return p, nil
}

func newNATSPublisher(pub publisher, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "proctor"
	}
	return &NATSPublisher{pub: pub, prefix: prefix}
}

// EventSubject is <prefix>.events.<unitId>.<eventType>.
func (p *NATSPublisher) EventSubject(ev session.Event) string {
	return fmt.Sprintf("%s.events.%s.%s", p.prefix, subjectToken(ev.UnitID), subjectToken(string(ev.Type)))
}

// TerminationSubject is <prefix>.sessions.<sessionId>.terminated.
func (p *NATSPublisher) TerminationSubject(sessionID string) string {
	return fmt.Sprintf("%s.sessions.%s.terminated", p.prefix, subjectToken(sessionID))
}

func (p *NATSPublisher) Append(ctx context.Context, ev session.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := p.pub.Publish(p.EventSubject(ev), data); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Events(context.Context, string) ([]session.Event, error) {
	return nil, ErrReadUnsupported
}

// NotifyTermination publishes a Termination for s so the student's client,
// wherever it is connected, can be told to stop.
func (p *NATSPublisher) NotifyTermination(ctx context.Context, s *session.Session, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := Termination{
		SessionID: s.ID,
		StudentID: s.StudentID,
		ExamID:    s.ExamID,
		UnitID:    s.UnitID,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
	if s.EndTime != nil {
		t.At = *s.EndTime
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding termination: %w", err)
	}
	if err := p.pub.Publish(p.TerminationSubject(t.SessionID), data); err != nil {
		return fmt.Errorf("publishing termination: %w", err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
