package bus

import (
	"sync"

	"github.com/ocrbase/ocrbase/internal/models"
)

// Registry shares one upstream bus subscription per job across any number of
// realtime consumers. The first Acquire for a job opens the upstream
// subscription and starts a fan-out goroutine; each Release decrements the
// refcount and the last one tears the upstream down. This keeps N watchers of
// the same job at one bus binding instead of N.
type Registry struct {
	bus *Bus

	mu     sync.Mutex
	shared map[string]*sharedStream
}

type sharedStream struct {
	jobID    string
	upstream *Subscription
	refs     int

	mu        sync.Mutex
	consumers map[*Consumer]struct{}
}

// Consumer is one realtime client's handle on a shared stream.
type Consumer struct {
	jobID  string
	ch     chan models.Event
	closed bool
	mu     sync.Mutex
}

// Events returns the consumer's receive channel; closed on Release.
func (c *Consumer) Events() <-chan models.Event { return c.ch }

func (c *Consumer) deliver(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- ev:
	default:
		// Slow consumer; same drop policy as the bus itself.
	}
}

func (c *Consumer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// NewRegistry creates a registry over the bus.
func NewRegistry(b *Bus) *Registry {
	return &Registry{bus: b, shared: make(map[string]*sharedStream)}
}

// Acquire attaches a consumer to the job's shared stream, creating the
// upstream subscription if this is the first consumer. Like Bus.Subscribe,
// the binding is live before Acquire returns.
func (r *Registry) Acquire(jobID string) *Consumer {
	c := &Consumer{jobID: jobID, ch: make(chan models.Event, subscriberBuffer)}

	r.mu.Lock()
	ss, ok := r.shared[jobID]
	if !ok {
		ss = &sharedStream{
			jobID:     jobID,
			upstream:  r.bus.Subscribe(jobID),
			consumers: make(map[*Consumer]struct{}),
		}
		r.shared[jobID] = ss
		go ss.run()
	}
	ss.refs++
	ss.mu.Lock()
	ss.consumers[c] = struct{}{}
	ss.mu.Unlock()
	r.mu.Unlock()

	return c
}

// Release detaches the consumer. The last release for a job closes the
// upstream subscription promptly so the bus does not accumulate bindings for
// jobs nobody watches.
func (r *Registry) Release(c *Consumer) {
	r.mu.Lock()
	ss, ok := r.shared[c.jobID]
	if !ok {
		r.mu.Unlock()
		c.close()
		return
	}
	ss.mu.Lock()
	delete(ss.consumers, c)
	ss.mu.Unlock()
	ss.refs--
	last := ss.refs <= 0
	if last {
		delete(r.shared, c.jobID)
	}
	r.mu.Unlock()

	c.close()
	if last {
		// Closes the upstream channel, ending the run goroutine.
		r.bus.Unsubscribe(ss.upstream)
	}
}

// ActiveStreams returns the number of jobs with live shared streams.
func (r *Registry) ActiveStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shared)
}

func (ss *sharedStream) run() {
	for ev := range ss.upstream.Events() {
		ss.mu.Lock()
		for c := range ss.consumers {
			c.deliver(ev)
		}
		ss.mu.Unlock()
	}
}
