package models

import "time"

// EventType discriminates realtime event payloads on the wire.
type EventType string

const (
	EventStatus    EventType = "status"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
	EventPong      EventType = "pong"
)

// Event is one realtime notification for a job. The wire shape is
// {type, jobId, data:{...}}; pong carries no data.
type Event struct {
	Type      EventType  `json:"type"`
	JobID     string     `json:"jobId"`
	Data      *EventData `json:"data,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// EventData is the per-variant payload nested under "data".
type EventData struct {
	Status JobStatus `json:"status,omitempty"`

	// completed
	MarkdownResult   string `json:"markdownResult,omitempty"`
	JSONResult       string `json:"jsonResult,omitempty"`
	ProcessingTimeMs int64  `json:"processingTimeMs,omitempty"`
	PageCount        int    `json:"pageCount,omitempty"`

	// error. Status is "failed" for terminal errors and empty for advisory
	// delivery problems such as a lost bus.
	Error *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the error member of an error event's data.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsTerminal reports whether the event marks the end of the job's stream:
// completed, or an error carrying terminal status.
func (e Event) IsTerminal() bool {
	if e.Type == EventCompleted {
		return true
	}
	return e.Type == EventError && e.Data != nil && e.Data.Status == JobStatusFailed
}

// StatusEvent builds a status-transition event.
func StatusEvent(jobID string, status JobStatus) Event {
	return Event{
		Type:      EventStatus,
		JobID:     jobID,
		Data:      &EventData{Status: status},
		Timestamp: time.Now().UTC(),
	}
}

// CompletedEvent builds the terminal success event from the job row.
func CompletedEvent(j *Job) Event {
	return Event{
		Type:  EventCompleted,
		JobID: j.ID,
		Data: &EventData{
			Status:           JobStatusCompleted,
			MarkdownResult:   j.MarkdownResult,
			JSONResult:       j.JSONResult,
			ProcessingTimeMs: j.ProcessingTimeMs,
			PageCount:        j.PageCount,
		},
		Timestamp: time.Now().UTC(),
	}
}

// FailedEvent builds the terminal failure event.
func FailedEvent(jobID, code, message string) Event {
	return Event{
		Type:  EventError,
		JobID: jobID,
		Data: &EventData{
			Status: JobStatusFailed,
			Error:  &ErrorDetail{Code: code, Message: message},
		},
		Timestamp: time.Now().UTC(),
	}
}

// AdvisoryErrorEvent builds a non-terminal error event, used when delivery
// itself degrades (e.g. the bus is unavailable) while the job may still be
// running.
func AdvisoryErrorEvent(jobID, code, message string) Event {
	return Event{
		Type:      EventError,
		JobID:     jobID,
		Data:      &EventData{Error: &ErrorDetail{Code: code, Message: message}},
		Timestamp: time.Now().UTC(),
	}
}

// PongEvent answers a realtime ping frame.
func PongEvent(jobID string) Event {
	return Event{Type: EventPong, JobID: jobID, Timestamp: time.Now().UTC()}
}
