package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"exam-proctor/internal/session"
)

// apiClient makes the invigilator's REST calls.
type apiClient struct {
	baseURL string
	key     string
	client  *http.Client
}

func newAPIClient(baseURL, key string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		key:     key,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// ListSessions fetches the active sessions of a unit.
func (c *apiClient) ListSessions(unitID string) ([]*session.Session, error) {
	var out struct {
		Sessions []*session.Session `json:"sessions"`
	}
	if err := c.do(http.MethodGet, "/v1/units/"+url.PathEscape(unitID)+"/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Terminate force-ends a session with reason.
func (c *apiClient) Terminate(sessionID, reason string) (*session.Session, error) {
	var out session.Session
	body := map[string]string{"reason": reason}
	if err := c.do(http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/terminate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// feedEvent is one event from a unit's live feed. Sessions is set only for
// the snapshot sent when the feed opens.
type feedEvent struct {
	Kind     string
	Sessions []*session.Session
}

// Watch opens the unit's live feed. The returned channel closes when the
// stream ends or ctx is done.
func (c *apiClient) Watch(ctx context.Context, unitID string) (<-chan feedEvent, error) {
	path := "/v1/units/" + url.PathEscape(unitID) + "/feed"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	// No client timeout: the stream stays open.
	resp, err := (&http.Client{Transport: c.client.Transport}).Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	events := make(chan feedEvent, 16)
	go func() {
		defer resp.Body.Close()
		defer close(events)
		parseFeed(ctx, resp.Body, events)
	}()
	return events, nil
}

// parseFeed parses Server-Sent Events from r until EOF or ctx is done.
func parseFeed(ctx context.Context, r io.Reader, out chan<- feedEvent) {
	var (
		kind string
		data []string
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "":
			if kind == "" {
				continue
			}
			ev := feedEvent{Kind: kind}
			if kind == "snapshot" {
				if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &ev.Sessions); err != nil {
					ev.Kind = ""
				}
			}
			kind, data = "", nil
			if ev.Kind == "" || ev.Kind == "done" {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *apiClient) do(method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
