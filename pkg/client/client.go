// Package client is the Go SDK for the ocrbase API.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to an ocrbase server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	// Reconnect policy for the realtime stream.
	maxReconnects    int
	reconnectBackoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithReconnectPolicy tunes realtime reconnection. attempts is the number of
// reconnects after the initial connection; backoff is the initial delay,
// doubled per attempt.
func WithReconnectPolicy(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxReconnects = attempts
		c.reconnectBackoff = backoff
	}
}

// New creates a client for the server at baseURL.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		apiKey:           apiKey,
		http:             &http.Client{},
		maxReconnects:    5,
		reconnectBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Job is the SDK's view of a job snapshot.
type Job struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	MarkdownResult string     `json:"markdown_result,omitempty"`
	JSONResult     string     `json:"json_result,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	PageCount      int        `json:"page_count,omitempty"`
	AttemptsMade   int        `json:"attempts_made"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Event is one realtime notification, shaped {type, jobId, data:{...}} on the
// wire. Pong events carry no data.
type Event struct {
	Type  string     `json:"type"`
	JobID string     `json:"jobId"`
	Data  *EventData `json:"data,omitempty"`
}

// EventData is the per-variant payload of an event.
type EventData struct {
	Status           string      `json:"status,omitempty"`
	MarkdownResult   string      `json:"markdownResult,omitempty"`
	JSONResult       string      `json:"jsonResult,omitempty"`
	ProcessingTimeMs int64       `json:"processingTimeMs,omitempty"`
	PageCount        int         `json:"pageCount,omitempty"`
	Error            *EventError `json:"error,omitempty"`
}

// EventError is the error member of an error event's data.
type EventError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JobFailedError is returned when the awaited job reaches the failed state.
type JobFailedError struct {
	JobID   string
	Code    string
	Message string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s: %s", e.JobID, e.Code, e.Message)
}

// ErrRealtimeUnavailable is returned when the stream cannot be held open
// within the reconnect budget. The job may still be running; poll GetJob.
var ErrRealtimeUnavailable = errors.New("realtime stream unavailable")

// GetJob fetches a job snapshot.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getting job %s: server returned %d", jobID, resp.StatusCode)
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

// WaitForCompletion blocks until the job reaches a terminal state or timeout
// elapses. It watches the realtime stream, reconnecting with exponential
// backoff on transport failures; when the reconnect budget is exhausted it
// returns ErrRealtimeUnavailable. On success the returned job is the final
// snapshot, so results are present even if the terminal event was truncated.
func (c *Client) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (*Job, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	backoff := c.reconnectBackoff
	for attempt := 0; ; attempt++ {
		terminal, err := c.streamOnce(ctx, jobID)
		if err == nil {
			if terminal.Type == "error" {
				failed := &JobFailedError{JobID: jobID}
				if terminal.Data != nil && terminal.Data.Error != nil {
					failed.Code = terminal.Data.Error.Code
					failed.Message = terminal.Data.Error.Message
				}
				return nil, failed
			}
			// Snapshot backfill: the event may carry the results already,
			// but the row is authoritative.
			return c.GetJob(ctx, jobID)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= c.maxReconnects {
			return nil, fmt.Errorf("%w: %v", ErrRealtimeUnavailable, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// streamOnce opens one SSE connection and reads until a terminal event.
// Advisory (non-terminal) error events mean delivery is degraded; they are
// treated as a transport failure so the caller's reconnect loop takes over.
func (c *Client) streamOnce(ctx context.Context, jobID string) (*Event, error) {
	u := c.baseURL + "/v1/realtime?job_id=" + url.QueryEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stream returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	for {
		ev, err := readSSEEvent(scanner)
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case "completed":
			return ev, nil
		case "error":
			if ev.Data != nil && ev.Data.Status == "failed" {
				return ev, nil
			}
			message := "stream error"
			if ev.Data != nil && ev.Data.Error != nil {
				message = ev.Data.Error.Message
			}
			return nil, fmt.Errorf("delivery degraded: %s", message)
		default:
			// status / pong: keep waiting.
		}
	}
}

// readSSEEvent reads one event's data payload, skipping comments/keepalives.
func readSSEEvent(scanner *bufio.Scanner) (*Event, error) {
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue // keepalive comment block
			}
			var ev Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return nil, fmt.Errorf("decoding event: %w", err)
			}
			return &ev, nil
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// "event:" lines and ": comment" heartbeats carry no payload we
			// need; the type is inside the JSON as well.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("stream closed before terminal event")
}
