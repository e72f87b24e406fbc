package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"escrowchain/core/events"
)

// EventWatcher periodically pulls ledger events from the node, mirrors them
// into the store and enqueues webhook notifications.
type EventWatcher struct {
	node         NodeClient
	store        *Store
	queue        *WebhookQueue
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	nowFn        func() time.Time
	cursor       EventCursor
}

// NewEventWatcher constructs a watcher with sane defaults.
func NewEventWatcher(node NodeClient, store *Store, queue *WebhookQueue, cfg WatcherConfig, logger *slog.Logger) *EventWatcher {
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWatcher{
		node:         node,
		store:        store,
		queue:        queue,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		nowFn:        time.Now,
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil || w.queue == nil {
		return
	}
	interval := w.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if err := w.load(ctx); err != nil {
		w.logger.Warn("read event cursor", slog.Any("error", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *EventWatcher) load(ctx context.Context) error {
	cursor, err := w.store.LoadEventCursor(ctx)
	if err != nil {
		return err
	}
	w.cursor = cursor
	return nil
}

// poll fetches the next batch of node events. The record at the cursor is
// fetched again so a node whose feed restarted is detected by a lower latest
// sequence or a different chain hash.
func (w *EventWatcher) poll(ctx context.Context) {
	batch := w.batchSize
	if batch <= 0 {
		batch = 100
	}
	from := w.cursor.Sequence
	if from > 0 && w.cursor.Hash != "" {
		from--
	}
	records, latest, err := w.node.FetchEvents(ctx, from, batch)
	if err != nil {
		w.logger.Warn("fetch ledger events", slog.Uint64("after", from), slog.Any("error", err))
		return
	}
	if w.restarted(records, latest) {
		w.logger.Warn("node event feed restarted",
			slog.Uint64("epoch", w.cursor.Epoch+1),
			slog.Uint64("previous_sequence", w.cursor.Sequence),
			slog.Uint64("node_latest", latest))
		w.cursor = EventCursor{Name: w.cursor.Name, Epoch: w.cursor.Epoch + 1}
		if err := w.store.SaveEventCursor(ctx, w.cursor); err != nil {
			w.logger.Warn("update event cursor", slog.Any("error", err))
		}
		records, _, err = w.node.FetchEvents(ctx, 0, batch)
		if err != nil {
			w.logger.Warn("fetch ledger events", slog.Uint64("after", 0), slog.Any("error", err))
			return
		}
	}
	if len(records) > 0 && w.cursor.Sequence > 0 && records[0].Sequence > w.cursor.Sequence+1 {
		w.logger.Warn("ledger events no longer retained by node",
			slog.Uint64("from", w.cursor.Sequence+1),
			slog.Uint64("to", records[0].Sequence-1))
	}

	advanced := false
	for _, record := range records {
		if record.Sequence <= w.cursor.Sequence {
			continue
		}
		if err := w.handleEvent(ctx, record); err != nil {
			w.logger.Warn("store ledger event", slog.Uint64("sequence", record.Sequence), slog.Any("error", err))
			break
		}
		w.cursor.Sequence = record.Sequence
		w.cursor.Hash = record.Hash
		advanced = true
	}
	if advanced {
		if err := w.store.SaveEventCursor(ctx, w.cursor); err != nil {
			w.logger.Warn("update event cursor", slog.Any("error", err))
		}
	}
}

func (w *EventWatcher) restarted(records []events.Record, latest uint64) bool {
	if w.cursor.Sequence == 0 {
		return false
	}
	if latest < w.cursor.Sequence {
		return true
	}
	if w.cursor.Hash == "" || len(records) == 0 {
		return false
	}
	first := records[0]
	return first.Sequence == w.cursor.Sequence && first.Hash != w.cursor.Hash
}

func (w *EventWatcher) handleEvent(ctx context.Context, record events.Record) error {
	createdAt := time.Unix(record.Timestamp, 0).UTC()
	if record.Timestamp == 0 {
		createdAt = w.nowFn().UTC()
	}
	attrs := make(map[string]string, len(record.Attributes))
	for k, v := range record.Attributes {
		attrs[k] = v
	}
	projectID, _ := strconv.ParseUint(attrs["projectId"], 10, 64)
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	stored := &StoredEvent{
		Epoch:      w.cursor.Epoch,
		Sequence:   record.Sequence,
		Type:       record.Type,
		ProjectID:  projectID,
		Hash:       record.Hash,
		Attributes: string(encoded),
		Timestamp:  createdAt,
	}
	inserted, err := w.store.InsertEvent(ctx, stored)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	w.queue.Enqueue(WebhookEvent{
		Epoch:      w.cursor.Epoch,
		Sequence:   record.Sequence,
		Type:       record.Type,
		ProjectID:  projectID,
		Attributes: attrs,
		CreatedAt:  createdAt,
	})
	return nil
}
