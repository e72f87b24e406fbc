package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	maxWebhookAttempts = 5
	signatureHeader    = "X-Escrow-Signature"
)

// WebhookWorker delivers queued ledger events to the configured targets.
type WebhookWorker struct {
	store   *Store
	queue   *WebhookQueue
	targets []WebhookTarget
	client  *http.Client
	logger  *slog.Logger
	nowFn   func() time.Time

	rateMu sync.Mutex
	rate   map[string]rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

func NewWebhookWorker(store *Store, queue *WebhookQueue, targets []WebhookTarget, logger *slog.Logger) *WebhookWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookWorker{
		store:   store,
		queue:   queue,
		targets: append([]WebhookTarget(nil), targets...),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		nowFn:   time.Now,
		rate:    make(map[string]rateWindow),
	}
}

// Run processes webhook tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Target == nil {
			w.expandTask(task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

func (w *WebhookWorker) expandTask(task WebhookTask) {
	for i := range w.targets {
		target := w.targets[i]
		if !target.wants(task.Event.Type) {
			continue
		}
		w.queue.enqueueTask(WebhookTask{Event: task.Event, Target: &target})
	}
}

func (t WebhookTarget) wants(eventType string) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, candidate := range t.Events {
		if candidate == eventType {
			return true
		}
	}
	return false
}

type webhookPayload struct {
	Type       string            `json:"type"`
	Epoch      uint64            `json:"epoch"`
	Sequence   uint64            `json:"sequence"`
	ProjectID  string            `json:"projectId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  string            `json:"timestamp"`
}

func (w *WebhookWorker) handleDelivery(ctx context.Context, task WebhookTask) {
	target := task.Target
	now := w.nowFn()
	if !w.allow(target.URL, target.RateLimit, now) {
		task.NotBefore = w.rateReset(target.URL)
		w.queue.enqueueTask(task)
		return
	}
	body := webhookPayload{
		Type:       task.Event.Type,
		Epoch:      task.Event.Epoch,
		Sequence:   task.Event.Sequence,
		Attributes: task.Event.Attributes,
		Timestamp:  task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if task.Event.ProjectID != 0 {
		body.ProjectID = strconv.FormatUint(task.Event.ProjectID, 10)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, time.Time{})
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, signPayload(target.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, task, fmt.Sprintf("unexpected status %s", resp.Status))
		return
	}
	w.recordAttempt(ctx, task, "success", "", now, time.Time{})
}

func (w *WebhookWorker) retryLater(ctx context.Context, task WebhookTask, errMsg string) {
	now := w.nowFn()
	attemptNum := task.Attempt + 1
	if attemptNum >= maxWebhookAttempts {
		w.recordAttempt(ctx, task, "failed", errMsg, now, time.Time{})
		w.logger.Warn("webhook delivery abandoned",
			slog.String("url", task.Target.URL),
			slog.Uint64("sequence", task.Event.Sequence),
			slog.String("error", errMsg))
		return
	}
	next := now.Add(backoffDuration(attemptNum))
	w.recordAttempt(ctx, task, "retrying", errMsg, now, next)
	task.Attempt = attemptNum
	task.NotBefore = next
	w.queue.enqueueTask(task)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *WebhookWorker) recordAttempt(ctx context.Context, task WebhookTask, status, errMsg string, now, next time.Time) {
	attempt := &WebhookAttempt{
		URL:           task.Target.URL,
		EventEpoch:    task.Event.Epoch,
		EventSequence: task.Event.Sequence,
		Attempt:       task.Attempt + 1,
		Status:        status,
		Error:         errMsg,
		CreatedAt:     now,
	}
	if !next.IsZero() {
		attempt.NextAttempt = &next
	}
	if w.store == nil {
		return
	}
	if err := w.store.InsertWebhookAttempt(ctx, attempt); err != nil {
		w.logger.Warn("record webhook attempt", slog.Any("error", err))
	}
}

func (w *WebhookWorker) allow(url string, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = 60
	}
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[url]
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		w.rate[url] = state
		return false
	}
	state.count++
	w.rate[url] = state
	return true
}

func (w *WebhookWorker) rateReset(url string) time.Time {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[url]
	if state.windowStart.IsZero() {
		state.windowStart = w.nowFn()
	}
	w.rate[url] = state
	return state.windowStart.Add(time.Minute)
}

// signPayload returns the hex HMAC-SHA256 of payload under secret.
func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
