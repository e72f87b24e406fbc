package events

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"escrowchain/core/types"
)

const (
	// DefaultHistorySize bounds the number of records retained in memory.
	DefaultHistorySize = 1024
	// DefaultSubscriberBuffer is the per-subscriber channel depth.
	DefaultSubscriberBuffer = 64
)

// ErrFeedClosed is returned by Subscribe after Close.
var ErrFeedClosed = errors.New("events: feed closed")

// Record is a sequenced, timestamped ledger event. Hash chains each record to
// its predecessor: blake3(prevHash || seq || type || sorted attributes).
type Record struct {
	Sequence   uint64            `json:"sequence"`
	Timestamp  int64             `json:"timestamp"`
	Hash       string            `json:"hash"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type subscription struct {
	ch chan Record
}

// Feed is an Emitter that keeps a bounded history of events and fans new
// records out to live subscribers. Emit never blocks: a subscriber whose
// buffer is full is dropped and its channel closed.
type Feed struct {
	mu       sync.Mutex
	capacity int
	buffer   int
	ring     []Record
	head     int
	size     int
	nextSeq  uint64
	prevHash [32]byte
	subs     map[uint64]*subscription
	nextSub  uint64
	closed   bool
	now      func() time.Time
	dropped  func()

	checkpoint Checkpoint
	saveFailed func(error)
}

// Checkpoint persists the head of a feed so sequences and the hash chain
// continue across restarts.
type Checkpoint interface {
	LoadFeedHead() (uint64, [32]byte, error)
	SaveFeedHead(seq uint64, hash [32]byte) error
}

// NewFeed creates a feed retaining up to capacity records. Non-positive values
// select DefaultHistorySize.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &Feed{
		capacity: capacity,
		buffer:   DefaultSubscriberBuffer,
		ring:     make([]Record, capacity),
		nextSeq:  1,
		subs:     make(map[uint64]*subscription),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source.
func (f *Feed) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

// SetSubscriberBuffer configures the channel depth for subsequent
// subscriptions.
func (f *Feed) SetSubscriberBuffer(n int) {
	if n <= 0 {
		return
	}
	f.mu.Lock()
	f.buffer = n
	f.mu.Unlock()
}

// OnDrop registers a callback invoked whenever a slow subscriber is dropped.
func (f *Feed) OnDrop(fn func()) {
	f.mu.Lock()
	f.dropped = fn
	f.mu.Unlock()
}

// Restore resumes the feed from the head stored in cp and saves every later
// head back to it. It must be called before the first Emit. onError, when set,
// receives save failures.
func (f *Feed) Restore(cp Checkpoint, onError func(error)) error {
	seq, hash, err := cp.LoadFeedHead()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextSeq != 1 {
		return errors.New("events: restore after emit")
	}
	f.nextSeq = seq + 1
	f.prevHash = hash
	f.checkpoint = cp
	f.saveFailed = onError
	return nil
}

// Emit implements Emitter. Events without a types.Event payload are ignored.
func (f *Feed) Emit(evt Event) {
	payload, ok := evt.(Payload)
	if !ok {
		return
	}
	body := payload.Event()
	if body == nil {
		return
	}
	body = body.Clone()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	record := Record{
		Sequence:   f.nextSeq,
		Timestamp:  f.now().Unix(),
		Type:       body.Type,
		Attributes: body.Attributes,
	}
	hash := chainHash(f.prevHash, record.Sequence, body)
	record.Hash = hex.EncodeToString(hash[:])
	f.prevHash = hash
	f.nextSeq++
	if f.checkpoint != nil {
		if err := f.checkpoint.SaveFeedHead(record.Sequence, hash); err != nil && f.saveFailed != nil {
			f.saveFailed(err)
		}
	}

	f.ring[(f.head+f.size)%f.capacity] = record
	if f.size < f.capacity {
		f.size++
	} else {
		f.head = (f.head + 1) % f.capacity
	}

	for id, sub := range f.subs {
		select {
		case sub.ch <- cloneRecord(record):
		default:
			delete(f.subs, id)
			close(sub.ch)
			if f.dropped != nil {
				f.dropped()
			}
		}
	}
}

// LatestSequence returns the sequence of the most recent record, or zero when
// nothing has been emitted.
func (f *Feed) LatestSequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextSeq - 1
}

// Since returns retained records with a sequence greater than after, oldest
// first. A positive limit caps the result.
func (f *Feed) Since(after uint64, limit int) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinceLocked(after, limit)
}

func (f *Feed) sinceLocked(after uint64, limit int) []Record {
	out := make([]Record, 0)
	for i := 0; i < f.size; i++ {
		record := f.ring[(f.head+i)%f.capacity]
		if record.Sequence <= after {
			continue
		}
		out = append(out, cloneRecord(record))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Subscribe returns the retained backlog after the given sequence together
// with a channel of subsequent records. The channel is closed when ctx is
// done, when the feed is closed, or when the subscriber falls behind.
func (f *Feed) Subscribe(ctx context.Context, after uint64) ([]Record, <-chan Record, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, nil, ErrFeedClosed
	}
	backlog := f.sinceLocked(after, 0)
	id := f.nextSub
	f.nextSub++
	sub := &subscription{ch: make(chan Record, f.buffer)}
	f.subs[id] = sub
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.unsubscribe(id)
	}()
	return backlog, sub.ch, nil
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Feed) unsubscribe(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(sub.ch)
	}
}

// Close terminates every subscription. Later events are discarded.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.ch)
	}
}

// VerifyChain recomputes the hash chain over consecutive records. prev is the
// hash preceding the first record (zero for a chain starting at sequence 1).
func VerifyChain(prev [32]byte, records []Record) bool {
	for _, record := range records {
		expected := chainHash(prev, record.Sequence, &types.Event{Type: record.Type, Attributes: record.Attributes})
		if hex.EncodeToString(expected[:]) != record.Hash {
			return false
		}
		prev = expected
	}
	return true
}

func chainHash(prev [32]byte, seq uint64, evt *types.Event) [32]byte {
	var buf bytes.Buffer
	buf.Write(prev[:])
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	buf.Write(seqBytes[:])
	writeField(&buf, evt.Type)
	keys := make([]string, 0, len(evt.Attributes))
	for k := range evt.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(&buf, k)
		writeField(&buf, evt.Attributes[k])
	}
	return blake3.Sum256(buf.Bytes())
}

func writeField(buf *bytes.Buffer, value string) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(value)))
	buf.Write(length[:])
	buf.WriteString(value)
}

func cloneRecord(r Record) Record {
	clone := r
	clone.Attributes = make(map[string]string, len(r.Attributes))
	for k, v := range r.Attributes {
		clone.Attributes[k] = v
	}
	return clone
}
