package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"escrowchain/core/types"
	"escrowchain/native/escrow"
)

func TestLedgerMetricsObserve(t *testing.T) {
	m := Ledger()
	op := escrow.OpReleaseMilestone

	beforeOK := testutil.ToFloat64(m.operations.WithLabelValues(string(op), "success"))
	beforeRejected := testutil.ToFloat64(m.failures.WithLabelValues(string(op), "NotReleasable"))
	beforeInternal := testutil.ToFloat64(m.failures.WithLabelValues(string(op), "internal"))

	m.ObserveOperation(op, nil, time.Millisecond)
	m.ObserveOperation(op, escrow.ErrNotReleasable, time.Millisecond)
	m.ObserveOperation(op, errors.New("disk"), time.Millisecond)
	m.ObserveProjectCount(42)

	if got := testutil.ToFloat64(m.operations.WithLabelValues(string(op), "success")); got != beforeOK+1 {
		t.Fatalf("unexpected success count %v", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues(string(op), "NotReleasable")); got != beforeRejected+1 {
		t.Fatalf("unexpected rejection count %v", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues(string(op), "internal")); got != beforeInternal+1 {
		t.Fatalf("unexpected internal error count %v", got)
	}
	if got := testutil.ToFloat64(m.projects); got != 42 {
		t.Fatalf("unexpected project gauge %v", got)
	}
}

type payloadEvent struct{ evt *types.Event }

func (p payloadEvent) EventType() string { return p.evt.Type }

func TestEventCounter(t *testing.T) {
	m := Events()
	before := testutil.ToFloat64(m.emitted.WithLabelValues(escrow.EventTypeMilestoneFunded))
	EventCounter{}.Emit(payloadEvent{evt: &types.Event{Type: escrow.EventTypeMilestoneFunded}})
	if got := testutil.ToFloat64(m.emitted.WithLabelValues(escrow.EventTypeMilestoneFunded)); got != before+1 {
		t.Fatalf("unexpected emitted count %v", got)
	}
}

func TestModuleMetricsObserve(t *testing.T) {
	m := ModuleMetrics()
	before := testutil.ToFloat64(m.errors.WithLabelValues("escrow", "escrow_fundMilestone", "409"))
	m.Observe("escrow", "escrow_fundMilestone", 409, time.Millisecond)
	if got := testutil.ToFloat64(m.errors.WithLabelValues("escrow", "escrow_fundMilestone", "409")); got != before+1 {
		t.Fatalf("unexpected error count %v", got)
	}
	m.RecordThrottle("escrow", "rate_limit")
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("escrow", "rate_limit")); got < 1 {
		t.Fatalf("expected throttle recorded")
	}
}
