package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"exam-proctor/internal/session"
)

const maxLineBytes = 1 << 20

// FileLog is an append-only JSON-lines event log. Every append is synced to
// disk before it returns.
type FileLog struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// OpenFileLog opens path for appending, creating it and its directory if needed.
func OpenFileLog(path string) (*FileLog, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304 -- path comes from config
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	log.Info().Str("path", path).Msg("event log opened")
	return &FileLog{path: path, f: f}, nil
}

func (l *FileLog) Append(ctx context.Context, ev session.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.ErrClosed
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("syncing event log: %w", err)
	}
	return nil
}

// Events scans the whole log. Lines that fail to decode are skipped with a
// warning so one torn write does not hide the rest of the history.
func (l *FileLog) Events(ctx context.Context, sessionID string) ([]session.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)

	var out []session.Event
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		var ev session.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			log.Warn().Err(err).Str("path", l.path).Int("line", lineNo).Msg("skipping corrupt event log line")
			continue
		}
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	return out, nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
