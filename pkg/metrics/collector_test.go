package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// A single shared collector: the default Prometheus registry rejects
// duplicate registration, so New is called once for the whole package.
var collector = New()

func TestSetTabCountsUpdatesGauges(t *testing.T) {
	collector.SetTabCounts(1, 5, 2, 0)
	if got := testutil.ToFloat64(collector.TabsActive); got != 1 {
		t.Fatalf("expected 1 active, got %v", got)
	}
	if got := testutil.ToFloat64(collector.TabsWarm); got != 5 {
		t.Fatalf("expected 5 warm, got %v", got)
	}
	if got := testutil.ToFloat64(collector.TabsDiscarded); got != 2 {
		t.Fatalf("expected 2 discarded, got %v", got)
	}
}

func TestObserveCommitCountsFailures(t *testing.T) {
	before := testutil.ToFloat64(collector.CommitFailures)
	collector.ObserveCommit(5*time.Millisecond, nil)
	collector.ObserveCommit(5*time.Millisecond, errors.New("disk full"))
	after := testutil.ToFloat64(collector.CommitFailures)
	if after != before+1 {
		t.Fatalf("expected exactly one commit failure recorded, got %v -> %v", before, after)
	}
}

func TestObserveEngineCallCountsFailuresPerOp(t *testing.T) {
	collector.ObserveEngineCall("create_view", time.Millisecond, errors.New("boom"))
	if got := testutil.ToFloat64(collector.EngineFailures.WithLabelValues("create_view")); got != 1 {
		t.Fatalf("expected 1 create_view failure, got %v", got)
	}
}

func TestGetSnapshotReportsUptime(t *testing.T) {
	snap := collector.GetSnapshot()
	if snap.UptimeSeconds < 0 {
		t.Fatalf("expected non-negative uptime, got %v", snap.UptimeSeconds)
	}
	if snap.Timestamp.IsZero() {
		t.Fatal("expected a timestamp")
	}
}
