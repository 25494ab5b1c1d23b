package tko

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dskow/cacheproxy/internal/metrics"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

func newTestTracker(windowSize int, threshold float64, resetTimeout time.Duration, probes int) *FailureRateTracker {
	return NewFailureRateTracker("mem-test", windowSize, threshold, resetTimeout, probes, slog.Default())
}

func TestFailureRate_StartsHealthyAndAllows(t *testing.T) {
	tr := newTestTracker(5, 0.5, 30*time.Second, 2)

	if tr.State() != StateHealthy {
		t.Fatalf("expected StateHealthy, got %v", tr.State())
	}
	if !tr.Allow() {
		t.Fatal("expected Allow() to return true for healthy destination")
	}
}

func TestFailureRate_HealthyToTko(t *testing.T) {
	// Window of 4, threshold 0.5: 2 failures out of 4 trip.
	tr := newTestTracker(4, 0.5, 30*time.Second, 2)

	tr.RecordSuccess(time.Millisecond)
	tr.RecordFailure(time.Millisecond)
	tr.RecordSuccess(time.Millisecond)
	if tr.State() != StateHealthy {
		t.Fatalf("expected StateHealthy before the window fills, got %v", tr.State())
	}

	tr.RecordFailure(time.Millisecond)
	if tr.State() != StateTko {
		t.Fatalf("expected StateTko after reaching threshold, got %v", tr.State())
	}
	if tr.Allow() {
		t.Fatal("expected Allow() to return false in TKO")
	}
}

func TestFailureRate_TkoToProbing(t *testing.T) {
	tr := newTestTracker(2, 0.5, 50*time.Millisecond, 1)

	tr.RecordFailure(time.Millisecond)
	tr.RecordFailure(time.Millisecond)
	if tr.State() != StateTko {
		t.Fatalf("expected StateTko, got %v", tr.State())
	}

	time.Sleep(60 * time.Millisecond)

	if !tr.Allow() {
		t.Fatal("expected a probe to be allowed after reset timeout")
	}
	if tr.State() != StateProbing {
		t.Fatalf("expected StateProbing, got %v", tr.State())
	}
}

func TestFailureRate_ProbingToHealthy(t *testing.T) {
	tr := newTestTracker(2, 0.5, 10*time.Millisecond, 2)

	tr.RecordFailure(time.Millisecond)
	tr.RecordFailure(time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	tr.Allow()

	tr.RecordSuccess(time.Millisecond)
	if tr.State() != StateProbing {
		t.Fatalf("expected still StateProbing after 1 success, got %v", tr.State())
	}
	tr.RecordSuccess(time.Millisecond)
	if tr.State() != StateHealthy {
		t.Fatalf("expected StateHealthy after 2 successes, got %v", tr.State())
	}
}

func TestFailureRate_ProbeFailureReturnsToTko(t *testing.T) {
	tr := newTestTracker(2, 0.5, 10*time.Millisecond, 2)

	tr.RecordFailure(time.Millisecond)
	tr.RecordFailure(time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	tr.Allow()

	tr.RecordFailure(time.Millisecond)
	if tr.State() != StateTko {
		t.Fatalf("expected StateTko after failed probe, got %v", tr.State())
	}
}

func TestFailureRate_Reset(t *testing.T) {
	tr := newTestTracker(2, 0.5, 30*time.Second, 2)

	tr.RecordFailure(time.Millisecond)
	tr.RecordFailure(time.Millisecond)
	tr.Reset()
	if tr.State() != StateHealthy {
		t.Fatalf("expected StateHealthy after Reset, got %v", tr.State())
	}
	if !tr.Allow() {
		t.Fatal("expected Allow() after Reset")
	}
}

func TestFailureRate_SlidingWindowEviction(t *testing.T) {
	tr := newTestTracker(3, 0.5, 30*time.Second, 2)

	tr.RecordSuccess(time.Millisecond)
	tr.RecordSuccess(time.Millisecond)
	tr.RecordSuccess(time.Millisecond)
	// [S, S, S] -> [S, S, F]: 1/3 stays healthy.
	tr.RecordFailure(time.Millisecond)
	if tr.State() != StateHealthy {
		t.Fatalf("expected StateHealthy after eviction, got %v", tr.State())
	}
	// [S, F, F]: 2/3 trips.
	tr.RecordFailure(time.Millisecond)
	if tr.State() != StateTko {
		t.Fatalf("expected StateTko, got %v", tr.State())
	}
}

func TestFailureRate_UpdateConfigResizesWindow(t *testing.T) {
	tr := newTestTracker(4, 0.5, 30*time.Second, 2)
	tr.RecordFailure(time.Millisecond)

	tr.updateConfig(Config{WindowSize: 2, FailureThreshold: 1.0, ResetTimeout: time.Second})
	tr.RecordFailure(time.Millisecond)
	if tr.State() != StateHealthy {
		t.Fatalf("expected resized window to start empty, got %v", tr.State())
	}
	tr.RecordFailure(time.Millisecond)
	if tr.State() != StateTko {
		t.Fatalf("expected StateTko with 2/2 failures, got %v", tr.State())
	}
}

func TestFailureRate_ConcurrentAccess(t *testing.T) {
	tr := newTestTracker(100, 0.9, 30*time.Second, 2)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Allow()
			tr.RecordSuccess(time.Millisecond)
			tr.RecordFailure(time.Millisecond)
			_ = tr.State()
		}()
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateHealthy, "healthy"},
		{StateTko, "tko"},
		{StateProbing, "probing"},
		{State(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
