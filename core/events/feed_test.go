package events

import (
	"context"
	"strconv"
	"testing"
	"time"

	"escrowchain/core/types"
)

type testEvent struct {
	evt *types.Event
}

func (e testEvent) EventType() string   { return e.evt.Type }
func (e testEvent) Event() *types.Event { return e.evt }

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func emitN(f *Feed, n int) {
	for i := 0; i < n; i++ {
		f.Emit(testEvent{evt: &types.Event{Type: "test.event", Attributes: map[string]string{"n": strconv.Itoa(i)}}})
	}
}

func TestFeedSequencesAndRetention(t *testing.T) {
	feed := NewFeed(3)
	feed.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
	emitN(feed, 5)
	feed.Emit(bareEvent{})

	if got := feed.LatestSequence(); got != 5 {
		t.Fatalf("expected latest sequence 5, got %d", got)
	}
	records := feed.Since(0, 0)
	if len(records) != 3 {
		t.Fatalf("expected 3 retained records, got %d", len(records))
	}
	for i, record := range records {
		if record.Sequence != uint64(i+3) {
			t.Fatalf("record %d: unexpected sequence %d", i, record.Sequence)
		}
		if record.Timestamp != 1_700_000_000 {
			t.Fatalf("record %d: unexpected timestamp %d", i, record.Timestamp)
		}
		if record.Hash == "" {
			t.Fatalf("record %d: missing hash", i)
		}
	}
	if got := feed.Since(4, 0); len(got) != 1 || got[0].Sequence != 5 {
		t.Fatalf("unexpected records after 4: %+v", got)
	}
	if got := feed.Since(0, 2); len(got) != 2 {
		t.Fatalf("expected limit to cap results, got %d", len(got))
	}
}

func TestFeedHashChain(t *testing.T) {
	feed := NewFeed(10)
	emitN(feed, 4)
	records := feed.Since(0, 0)
	if !VerifyChain([32]byte{}, records) {
		t.Fatalf("expected hash chain to verify")
	}
	records[2].Attributes["n"] = "tampered"
	if VerifyChain([32]byte{}, records) {
		t.Fatalf("expected tampered chain to fail verification")
	}
}

func TestFeedRecordsAreCopies(t *testing.T) {
	feed := NewFeed(4)
	attrs := map[string]string{"k": "v"}
	feed.Emit(testEvent{evt: &types.Event{Type: "copy", Attributes: attrs}})
	attrs["k"] = "mutated"
	records := feed.Since(0, 0)
	records[0].Attributes["k"] = "changed"
	if got := feed.Since(0, 0)[0].Attributes["k"]; got != "v" {
		t.Fatalf("expected stored attribute to be isolated, got %q", got)
	}
}

func TestFeedSubscribeBacklogAndLive(t *testing.T) {
	feed := NewFeed(8)
	emitN(feed, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backlog, ch, err := feed.Subscribe(ctx, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(backlog) != 1 || backlog[0].Sequence != 2 {
		t.Fatalf("unexpected backlog: %+v", backlog)
	}

	emitN(feed, 1)
	select {
	case record := <-ch:
		if record.Sequence != 3 {
			t.Fatalf("expected live sequence 3, got %d", record.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for live record")
	}

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if feed.Subscribers() != 0 {
					t.Fatalf("expected subscription to be removed")
				}
				return
			}
		case <-deadline:
			t.Fatalf("channel not closed after cancel")
		}
	}
}

func TestFeedDropsSlowSubscriber(t *testing.T) {
	feed := NewFeed(16)
	feed.SetSubscriberBuffer(1)
	drops := 0
	feed.OnDrop(func() { drops++ })

	_, ch, err := feed.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	emitN(feed, 3)

	if drops != 1 {
		t.Fatalf("expected one drop, got %d", drops)
	}
	if feed.Subscribers() != 0 {
		t.Fatalf("expected slow subscriber removed")
	}
	if _, ok := <-ch; !ok {
		t.Fatalf("expected buffered record before close")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after drop")
	}
}

func TestFeedClose(t *testing.T) {
	feed := NewFeed(4)
	_, ch, err := feed.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	feed.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed")
	}
	if _, _, err := feed.Subscribe(context.Background(), 0); err != ErrFeedClosed {
		t.Fatalf("expected ErrFeedClosed, got %v", err)
	}
	emitN(feed, 1)
	if feed.LatestSequence() != 0 {
		t.Fatalf("expected emits after close to be discarded")
	}
}

func TestMultiEmitter(t *testing.T) {
	a := NewFeed(2)
	b := NewFeed(2)
	MultiEmitter{a, nil, b}.Emit(testEvent{evt: &types.Event{Type: "multi"}})
	if a.LatestSequence() != 1 || b.LatestSequence() != 1 {
		t.Fatalf("expected both feeds to receive the event")
	}
}

type memCheckpoint struct {
	seq   uint64
	hash  [32]byte
	saves int
}

func (c *memCheckpoint) LoadFeedHead() (uint64, [32]byte, error) { return c.seq, c.hash, nil }

func (c *memCheckpoint) SaveFeedHead(seq uint64, hash [32]byte) error {
	c.seq, c.hash = seq, hash
	c.saves++
	return nil
}

func TestFeedRestoreContinuesSequence(t *testing.T) {
	cp := &memCheckpoint{}
	first := NewFeed(4)
	if err := first.Restore(cp, nil); err != nil {
		t.Fatalf("restore: %v", err)
	}
	emitN(first, 3)
	if cp.seq != 3 || cp.saves != 3 {
		t.Fatalf("expected head 3 after 3 saves, got %d after %d", cp.seq, cp.saves)
	}
	prev := cp.hash

	second := NewFeed(4)
	if err := second.Restore(cp, nil); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := second.LatestSequence(); got != 3 {
		t.Fatalf("expected restored latest 3, got %d", got)
	}
	emitN(second, 2)
	records := second.Since(0, 0)
	if len(records) != 2 || records[0].Sequence != 4 || records[1].Sequence != 5 {
		t.Fatalf("unexpected records after restore: %+v", records)
	}
	if !VerifyChain(prev, records) {
		t.Fatalf("expected chain to continue from the restored hash")
	}
}

func TestFeedRestoreAfterEmitFails(t *testing.T) {
	feed := NewFeed(4)
	emitN(feed, 1)
	if err := feed.Restore(&memCheckpoint{}, nil); err == nil {
		t.Fatalf("expected restore after emit to fail")
	}
}
