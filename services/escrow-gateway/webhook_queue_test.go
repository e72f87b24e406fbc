package main

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWebhookQueueDropOldest(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(3),
		WithWebhookHistoryCapacity(2),
		WithWebhookTTL(time.Minute),
		withWebhookClock(clock.Now),
	)

	for i := 0; i < 5; i++ {
		queue.Enqueue(WebhookEvent{Sequence: uint64(i), CreatedAt: clock.Now()})
	}

	events := queue.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events in history, got %d", len(events))
	}
	if events[0].Sequence != 3 || events[1].Sequence != 4 {
		t.Fatalf("unexpected history sequences: %+v", events)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var sequences []uint64
	for len(sequences) < 3 {
		task, ok := queue.Dequeue(ctx)
		if !ok {
			t.Fatalf("expected task, queue closed early after %d items", len(sequences))
		}
		sequences = append(sequences, task.Event.Sequence)
	}

	expected := []uint64{2, 3, 4}
	for i, seq := range expected {
		if sequences[i] != seq {
			t.Fatalf("expected sequence %d at position %d, got %d", seq, i, sequences[i])
		}
	}
}

func TestWebhookQueueEvictsExpired(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(2),
		WithWebhookHistoryCapacity(2),
		WithWebhookTTL(10*time.Second),
		withWebhookClock(clock.Now),
	)

	queue.Enqueue(WebhookEvent{Sequence: 42, CreatedAt: clock.Now()})
	clock.Advance(11 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if task, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected expired event to be dropped, dequeued sequence %d", task.Event.Sequence)
	}

	if remaining := queue.Events(); len(remaining) != 0 {
		t.Fatalf("expected no history events after TTL eviction, got %d", len(remaining))
	}
}

func TestWebhookQueueRotatesDelayedTasks(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	queue := NewWebhookQueue(WithWebhookTTL(time.Hour), withWebhookClock(clock.Now))
	target := &WebhookTarget{URL: "http://hooks.example"}

	queue.enqueueTask(WebhookTask{
		Event:     WebhookEvent{Sequence: 1},
		Target:    target,
		Attempt:   1,
		NotBefore: clock.Now().Add(time.Minute),
	})
	queue.enqueueTask(WebhookTask{Event: WebhookEvent{Sequence: 2}, Target: target})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := queue.Dequeue(ctx)
	if !ok {
		t.Fatalf("expected the due task to be dequeued")
	}
	if task.Event.Sequence != 2 {
		t.Fatalf("expected fresh task first, got sequence %d", task.Event.Sequence)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected delayed task to remain queued, have %d", queue.Len())
	}

	clock.Advance(2 * time.Minute)
	task, ok = queue.Dequeue(ctx)
	if !ok || task.Event.Sequence != 1 {
		t.Fatalf("expected delayed task once due, got %+v ok=%v", task, ok)
	}
}

func TestWebhookQueueCloseWakesConsumers(t *testing.T) {
	queue := NewWebhookQueue()
	done := make(chan bool, 1)
	go func() {
		_, ok := queue.Dequeue(context.Background())
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	queue.Close()
	queue.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected Dequeue to report a closed queue")
		}
	case <-time.After(time.Second):
		t.Fatalf("Dequeue did not return after Close")
	}

	queue.Enqueue(WebhookEvent{Sequence: 9})
	if queue.Len() != 0 {
		t.Fatalf("expected enqueue after close to be dropped")
	}
}

func TestWebhookQueueWakesOnEnqueue(t *testing.T) {
	queue := NewWebhookQueue()
	got := make(chan uint64, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if task, ok := queue.Dequeue(ctx); ok {
			got <- task.Event.Sequence
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	queue.Enqueue(WebhookEvent{Sequence: 7, CreatedAt: time.Now()})

	seq, ok := <-got
	if !ok || seq != 7 {
		t.Fatalf("expected blocked consumer to receive sequence 7, got %d (ok=%v)", seq, ok)
	}
}
