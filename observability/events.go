package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	coreevents "escrowchain/core/events"
)

type eventMetrics struct {
	emitted     *prometheus.CounterVec
	drops       prometheus.Counter
	subscribers prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking the ledger event feed.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of ledger events segmented by type.",
			}, []string{"type"}),
			drops: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "subscriber_drops_total",
				Help:      "Count of stream subscribers dropped for falling behind.",
			}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "stream_subscribers",
				Help:      "Number of connected event stream subscribers.",
			}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.drops, eventRegistry.subscribers)
	})
	return eventRegistry
}

// RecordEvent increments the emitted counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// RecordDrop counts a dropped subscriber.
func (m *eventMetrics) RecordDrop() {
	if m == nil {
		return
	}
	m.drops.Inc()
}

// SubscriberConnected adjusts the live subscriber gauge by delta.
func (m *eventMetrics) SubscriberConnected(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}

// EventCounter is an emitter that counts ledger events by type. Combine it
// with the feed through events.MultiEmitter.
type EventCounter struct{}

// Emit implements events.Emitter.
func (EventCounter) Emit(evt coreevents.Event) {
	if evt == nil {
		return
	}
	Events().RecordEvent(evt.EventType())
}
