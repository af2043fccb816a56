package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocrbase/ocrbase/internal/bus"
	"github.com/ocrbase/ocrbase/internal/http/mw"
	"github.com/ocrbase/ocrbase/internal/metrics"
	"github.com/ocrbase/ocrbase/internal/models"
	"github.com/ocrbase/ocrbase/internal/repository"
)

// keepaliveInterval is how often idle realtime connections get a heartbeat.
// Must stay under common 30s proxy idle timeouts.
const keepaliveInterval = 25 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin browser clients authenticate with a session cookie or
	// api_key param; origin enforcement happens in the CORS layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Realtime handles GET /v1/realtime?job_id=... It serves the WebSocket
// profile when the request is an upgrade and SSE otherwise.
//
// Both profiles follow the subscribe-then-snapshot protocol: bind to the
// job's channel first, then read the snapshot. Terminal snapshot: synthesize
// the terminal event and close. Live snapshot: emit its status, then forward
// bus events until a terminal one arrives.
func (h *Handlers) Realtime(w http.ResponseWriter, r *http.Request) {
	ident := mw.GetIdentity(r.Context())
	if ident == nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}

	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "job_id is required", Code: models.ErrCodeValidation})
		return
	}

	// Ownership check before any subscription work. Cross-tenant probes get
	// the same 404 as unknown IDs.
	job, err := h.jobs.GetByIDForTenant(r.Context(), jobID, ident.TenantID)
	if err == repository.ErrNotFound {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "job not found", Code: models.ErrCodeJobNotFound})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: models.ErrCodeInternal})
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		h.realtimeWS(w, r, ident, job)
		return
	}
	h.realtimeSSE(w, r, ident, job)
}

// openStream subscribes, re-reads the snapshot, and decides the initial
// events. The subscription exists before the snapshot read, so an event
// landing between the two is either in the snapshot or on the channel,
// never lost. Returned events are sent before any forwarding; done means the
// stream should close immediately after them.
func (h *Handlers) openStream(r *http.Request, ident *mw.Identity, jobID string) (consumer *bus.Consumer, initial []models.Event, done bool, err error) {
	if h.registry == nil {
		// Bus lost: the job keeps running, the caller just cannot watch it.
		return nil, []models.Event{
			models.AdvisoryErrorEvent(jobID, models.ErrCodeRealtimeUnavailable, "realtime delivery unavailable, poll the job snapshot"),
		}, true, nil
	}

	consumer = h.registry.Acquire(jobID)

	snapshot, err := h.jobs.GetByIDForTenant(r.Context(), jobID, ident.TenantID)
	if err != nil {
		h.registry.Release(consumer)
		return nil, nil, false, err
	}

	switch {
	case snapshot.Status == models.JobStatusCompleted:
		h.registry.Release(consumer)
		return nil, []models.Event{models.CompletedEvent(snapshot)}, true, nil
	case snapshot.Status == models.JobStatusFailed:
		h.registry.Release(consumer)
		return nil, []models.Event{models.FailedEvent(snapshot.ID, snapshot.ErrorCode, snapshot.ErrorMessage)}, true, nil
	default:
		return consumer, []models.Event{models.StatusEvent(snapshot.ID, snapshot.Status)}, false, nil
	}
}

func (h *Handlers) realtimeSSE(w http.ResponseWriter, r *http.Request, ident *mw.Identity, job *models.Job) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Streams outlive any server write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	consumer, initial, done, err := h.openStream(r, ident, job.ID)
	if err != nil {
		h.logger.Error("opening realtime stream", "job_id", job.ID, "error", err)
		return
	}

	metrics.RealtimeSubscribers.Inc()
	defer metrics.RealtimeSubscribers.Dec()
	if consumer != nil {
		defer h.registry.Release(consumer)
	}

	send := func(ev models.Event) bool {
		if err := writeSSEEvent(w, ev); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, ev := range initial {
		if !send(ev) {
			return
		}
	}
	if done {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-consumer.Events():
			if !ok {
				return
			}
			if !send(ev) {
				return
			}
			if ev.IsTerminal() {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}

func (h *Handlers) realtimeWS(w http.ResponseWriter, r *http.Request, ident *mw.Identity, job *models.Job) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Debug("websocket upgrade failed", "job_id", job.ID, "error", err)
		return
	}
	defer conn.Close()

	consumer, initial, done, err := h.openStream(r, ident, job.ID)
	if err != nil {
		h.logger.Error("opening realtime stream", "job_id", job.ID, "error", err)
		return
	}

	metrics.RealtimeSubscribers.Inc()
	defer metrics.RealtimeSubscribers.Dec()
	if consumer != nil {
		defer h.registry.Release(consumer)
	}

	// Reader goroutine: handles client ping frames and detects disconnect.
	// Pongs are emitted from the writer side to keep writes single-threaded.
	pings := make(chan struct{}, 4)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var frame struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	send := func(ev models.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(ev) == nil
	}

	for _, ev := range initial {
		if !send(ev) {
			return
		}
	}
	if done {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-pings:
			if !send(models.PongEvent(job.ID)) {
				return
			}
		case <-keepalive.C:
			if !send(models.PongEvent(job.ID)) {
				return
			}
		case ev, ok := <-consumer.Events():
			if !ok {
				return
			}
			if !send(ev) {
				return
			}
			if ev.IsTerminal() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
		}
	}
}
