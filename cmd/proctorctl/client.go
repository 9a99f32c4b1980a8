package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

type client struct {
	base   string
	key    string
	header string
	token  string
	http   *http.Client
}

func newClient() *client {
	return &client{
		base:   strings.TrimRight(conf.GetString("server"), "/"),
		key:    conf.GetString("api-key"),
		header: conf.GetString("api-key-header"),
		token:  conf.GetString("session-token"),
		http:   &http.Client{Timeout: conf.GetDuration("timeout")},
	}
}

func (c *client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set(c.header, c.key)
	}
	if c.token != "" {
		req.Header.Set("X-Session-Token", c.token)
	}
	return req, nil
}

// do sends the request and decodes a 2xx body into out. Error bodies are
// turned into an error carrying the server's code.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error  string            `json:"error"`
			Code   string            `json:"code"`
			Fields map[string]string `json:"fields"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if len(apiErr.Fields) > 0 {
			return fmt.Errorf("%s (%s): %v", apiErr.Error, apiErr.Code, apiErr.Fields)
		}
		if apiErr.Code == "" {
			return fmt.Errorf("server returned %s", resp.Status)
		}
		return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *client) printJSON(ctx context.Context, method, path string, body any) error {
	var result any
	if err := c.do(ctx, method, path, body, &result); err != nil {
		return err
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

// follow prints each Server-Sent Event from path as one line until the
// stream ends or ctx is cancelled.
func (c *client) follow(ctx context.Context, path string, w io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The feed is long-lived; only the dial is bounded.
	stream := &http.Client{Transport: c.http.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	event := ""
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fmt.Fprintf(w, "%s %-16s %s\n", time.Now().Format(time.TimeOnly), event, strings.TrimPrefix(line, "data: "))
		case line == "":
			event = ""
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "feed interrupted:", err)
	}
	return nil
}
