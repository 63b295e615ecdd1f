package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordingHelpers(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.LockAcquired("acquired")
	m.LockAcquired("busy")
	m.LockAcquired("busy")
	m.SyncObserved("upsert", "ok", 10*time.Millisecond)
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.EventRequeued()

	if got := testutil.ToFloat64(m.LockAcquisitions.WithLabelValues("busy")); got != 2 {
		t.Errorf("busy acquisitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SyncTotal.WithLabelValues("upsert", "ok")); got != 1 {
		t.Errorf("upsert syncs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CacheHitsTotal); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsRequeuedTotal); got != 1 {
		t.Errorf("requeued = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.LockAcquired("acquired")
	m.LockReleased("released")
	m.SyncObserved("delete", "ok", time.Millisecond)
	m.IndexWrite("upsert", "ok")
	m.EventConsumed("AccommodationCreated", "ok")
	m.CacheLookup(true)
	m.BreakerState("es", 1)
}
