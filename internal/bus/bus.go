// Package bus is the in-process event bus for realtime job notifications.
//
// Each job has one logical channel, "job:{jobId}". Delivery is at-least-once
// to subscribers bound at publish time, ordered per job, with no history:
// a consumer that needs the past reads the job row after subscribing.
// Subscribe is synchronous: when it returns, the subscription is already in
// the registry, so a snapshot read taken afterwards cannot miss an event
// published in between.
package bus

import (
	"log/slog"
	"sync"

	"github.com/ocrbase/ocrbase/internal/models"
)

// subscriberBuffer bounds each subscriber's in-flight events. A job emits a
// handful of events over its life; a consumer this far behind is broken and
// gets events dropped (logged) rather than blocking the worker.
const subscriberBuffer = 32

// Subscription is one consumer's binding to a job channel.
type Subscription struct {
	jobID string
	ch    chan models.Event

	mu     sync.Mutex
	closed bool
}

// Events returns the receive channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan models.Event { return s.ch }

// JobID returns the job this subscription is bound to.
func (s *Subscription) JobID() string { return s.jobID }

func (s *Subscription) deliver(ev models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus fans events out to per-job subscriber sets.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	logger *slog.Logger
}

// New creates a bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]*Subscription),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe binds a new consumer to a job's channel. The binding is live
// before Subscribe returns.
func (b *Bus) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		jobID: jobID,
		ch:    make(chan models.Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the binding and closes the subscription's channel.
// Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	list := b.subs[sub.jobID]
	for i, s := range list {
		if s == sub {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, sub.jobID)
	} else {
		b.subs[sub.jobID] = list
	}
	b.mu.Unlock()
	sub.close()
}

// Publish delivers ev to every subscriber currently bound to its job.
// Publishing never blocks; a full subscriber drops the event.
func (b *Bus) Publish(ev models.Event) {
	b.mu.RLock()
	list := make([]*Subscription, len(b.subs[ev.JobID]))
	copy(list, b.subs[ev.JobID])
	b.mu.RUnlock()

	for _, sub := range list {
		if !sub.deliver(ev) {
			b.logger.Warn("dropping event for slow subscriber",
				"job_id", ev.JobID, "event_type", ev.Type)
		}
	}
}

// SubscriberCount returns the number of bindings for a job.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}
