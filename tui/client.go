// Package tui implements the terminal dashboard behind `janusd
// monitor`: a live job grid fed by the daemon's REST API and SSE event
// stream.
package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	janus "github.com/maksidze/janus"
)

// SSEEvent is one decoded frame from the event stream.
type SSEEvent struct {
	Type string
	Data string
}

// Client talks to a running janusd.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client for the given base URL
// (e.g. "http://127.0.0.1:8000").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchJobs returns the current job table.
func (c *Client) FetchJobs(ctx context.Context) ([]janus.Job, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/jobs", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /api/jobs: %s", resp.Status)
	}
	var jobs []janus.Job
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}
	return jobs, nil
}

// StreamEvents connects to /api/events and delivers decoded frames on
// the returned channel until ctx is cancelled. Connection drops are
// retried with exponential backoff; the channel is closed when the
// context ends.
func (c *Client) StreamEvents(ctx context.Context) <-chan SSEEvent {
	out := make(chan SSEEvent, 64)
	go func() {
		defer close(out)
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0 // retry until the context ends
		for {
			_ = c.streamOnce(ctx, out)
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
	return out
}

func (c *Client) streamOnce(ctx context.Context, out chan<- SSEEvent) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/events", nil)
	if err != nil {
		return err
	}
	// Streaming request: no client-side timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET /api/events: %s", resp.Status)
	}

	reader := bufio.NewReader(resp.Body)
	var eventType, data string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		eventType, data, err = feedSSELine(strings.TrimRight(line, "\r\n"), eventType, data, out)
		if err != nil {
			return err
		}
	}
}

// feedSSELine folds one raw line into the frame accumulator, emitting a
// completed frame on blank lines. Comment lines (heartbeats) are
// dropped.
func feedSSELine(line, eventType, data string, out chan<- SSEEvent) (string, string, error) {
	switch {
	case line == "":
		if eventType != "" || data != "" {
			out <- SSEEvent{Type: eventType, Data: data}
		}
		return "", "", nil
	case strings.HasPrefix(line, ":"):
		return eventType, data, nil
	case strings.HasPrefix(line, "event:"):
		return strings.TrimSpace(strings.TrimPrefix(line, "event:")), data, nil
	case strings.HasPrefix(line, "data:"):
		return eventType, strings.TrimSpace(strings.TrimPrefix(line, "data:")), nil
	}
	return eventType, data, nil
}
