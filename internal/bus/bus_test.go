package bus

import (
	"testing"
	"time"

	"github.com/ocrbase/ocrbase/internal/models"
)

func recvEvent(t *testing.T, ch <-chan models.Event) models.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for event")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.Event{}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("job_1")
	defer b.Unsubscribe(sub)

	b.Publish(models.StatusEvent("job_1", models.JobStatusProcessing))

	ev := recvEvent(t, sub.Events())
	if ev.Type != models.EventStatus || ev.Data.Status != models.JobStatusProcessing {
		t.Fatalf("got %+v", ev)
	}
}

func TestSubscribeIsLiveOnReturn(t *testing.T) {
	// An event published immediately after Subscribe returns must be
	// delivered; there is no window between return and binding.
	b := New(nil)
	sub := b.Subscribe("job_1")
	b.Publish(models.CompletedEvent(&models.Job{ID: "job_1"}))

	ev := recvEvent(t, sub.Events())
	if ev.Type != models.EventCompleted {
		t.Fatalf("got %+v", ev)
	}
}

func TestPublishScopedToJob(t *testing.T) {
	b := New(nil)
	sub1 := b.Subscribe("job_1")
	sub2 := b.Subscribe("job_2")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(models.StatusEvent("job_1", models.JobStatusProcessing))

	recvEvent(t, sub1.Events())
	select {
	case ev := <-sub2.Events():
		t.Fatalf("job_2 subscriber received %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPerJobOrdering(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("job_1")
	defer b.Unsubscribe(sub)

	statuses := []models.JobStatus{
		models.JobStatusProcessing,
		models.JobStatusExtracting,
		models.JobStatusCompleted,
	}
	for _, s := range statuses {
		b.Publish(models.StatusEvent("job_1", s))
	}
	for _, want := range statuses {
		if ev := recvEvent(t, sub.Events()); ev.Data.Status != want {
			t.Fatalf("out of order: got %s, want %s", ev.Data.Status, want)
		}
	}
}

func TestUnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("job_1")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if n := b.SubscriberCount("job_1"); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}

	// Publishing to a job with no subscribers must not panic or block.
	b.Publish(models.StatusEvent("job_1", models.JobStatusCompleted))

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("job_1")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Publish(models.StatusEvent("job_1", models.JobStatusProcessing))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestRegistrySharesOneUpstreamBinding(t *testing.T) {
	b := New(nil)
	r := NewRegistry(b)

	c1 := r.Acquire("job_1")
	c2 := r.Acquire("job_1")

	if n := b.SubscriberCount("job_1"); n != 1 {
		t.Fatalf("upstream bindings = %d, want 1 shared", n)
	}

	b.Publish(models.StatusEvent("job_1", models.JobStatusProcessing))
	if ev := recvEvent(t, c1.Events()); ev.Data.Status != models.JobStatusProcessing {
		t.Fatalf("c1 got %+v", ev)
	}
	if ev := recvEvent(t, c2.Events()); ev.Data.Status != models.JobStatusProcessing {
		t.Fatalf("c2 got %+v", ev)
	}

	// First release keeps the upstream alive for the remaining consumer.
	r.Release(c1)
	if n := b.SubscriberCount("job_1"); n != 1 {
		t.Fatalf("upstream bindings after first release = %d, want 1", n)
	}
	b.Publish(models.StatusEvent("job_1", models.JobStatusCompleted))
	if ev := recvEvent(t, c2.Events()); ev.Data.Status != models.JobStatusCompleted {
		t.Fatalf("c2 got %+v after release", ev)
	}

	// Last release tears the upstream down promptly.
	r.Release(c2)
	if n := b.SubscriberCount("job_1"); n != 0 {
		t.Fatalf("upstream bindings after last release = %d, want 0", n)
	}
	if n := r.ActiveStreams(); n != 0 {
		t.Fatalf("active streams = %d, want 0", n)
	}
}

func TestRegistryReacquireAfterTeardown(t *testing.T) {
	b := New(nil)
	r := NewRegistry(b)

	c1 := r.Acquire("job_1")
	r.Release(c1)

	c2 := r.Acquire("job_1")
	defer r.Release(c2)

	b.Publish(models.StatusEvent("job_1", models.JobStatusProcessing))
	if ev := recvEvent(t, c2.Events()); ev.Data.Status != models.JobStatusProcessing {
		t.Fatalf("got %+v", ev)
	}
}
