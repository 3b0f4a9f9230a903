package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Admitted("active")
	r.Promoted()
	r.Evicted("idle")
	r.StoreError("admit")
	r.Observe(1, 2)
	r.GateAcquired(time.Millisecond)
	r.GateReleased()
	r.GateRefused()
}

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Admitted("queued")
	r.Admitted("queued")
	r.Evicted("lease_expired")
	r.Observe(3, 4)
	r.GateAcquired(0)
	r.GateAcquired(0)
	r.GateReleased()

	if got := testutil.ToFloat64(r.Admissions.WithLabelValues("queued")); got != 2 {
		t.Fatalf("queued admissions: got %v", got)
	}
	if got := testutil.ToFloat64(r.Evictions.WithLabelValues("lease_expired")); got != 1 {
		t.Fatalf("evictions: got %v", got)
	}
	if got := testutil.ToFloat64(r.QueueLength); got != 4 {
		t.Fatalf("queue length: got %v", got)
	}
	if got := testutil.ToFloat64(r.GateInFlight); got != 1 {
		t.Fatalf("in flight: got %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "admission_gate_wait_seconds"); err != nil || n != 1 {
		t.Fatalf("expected one wait histogram, got %d (err=%v)", n, err)
	}
}
