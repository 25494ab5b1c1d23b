package tko

import (
	"log/slog"
	"testing"
	"time"
)

func TestComposite_FailureRateOnly(t *testing.T) {
	c := NewComposite("mem-a", Config{WindowSize: 2, FailureThreshold: 0.5, ResetTimeout: time.Minute, ProbeSuccesses: 1}, slog.Default())

	if c.Admit() != Admitted {
		t.Fatal("expected healthy destination to admit")
	}
	c.Release()
	c.RecordFailure(time.Millisecond)
	c.RecordFailure(time.Millisecond)
	if got := c.Admit(); got != RejectedTko {
		t.Fatalf("expected RejectedTko, got %v", got)
	}
}

func TestComposite_SlowRepliesCountAsFailures(t *testing.T) {
	c := NewComposite("mem-a", Config{
		WindowSize:       2,
		FailureThreshold: 0.5,
		ResetTimeout:     time.Minute,
		SlowThreshold:    20 * time.Millisecond,
	}, slog.Default())

	c.RecordSuccess(50 * time.Millisecond)
	c.RecordSuccess(50 * time.Millisecond)
	if c.State() != StateTko {
		t.Fatalf("expected slow replies to knock out destination, got %v", c.State())
	}
}

func TestComposite_OutstandingLimitIsBusyNotTko(t *testing.T) {
	c := NewComposite("mem-a", Config{
		WindowSize:       10,
		FailureThreshold: 0.5,
		ResetTimeout:     time.Minute,
		MaxOutstanding:   2,
	}, slog.Default())

	if c.Admit() != Admitted || c.Admit() != Admitted {
		t.Fatal("expected two slots")
	}
	if got := c.Admit(); got != RejectedBusy {
		t.Fatalf("expected RejectedBusy when full, got %v", got)
	}
	if c.InFlight() != 2 {
		t.Fatalf("expected 2 in flight, got %d", c.InFlight())
	}
	if c.State() != StateHealthy {
		t.Fatalf("busy must not change health, got %v", c.State())
	}

	c.Release()
	if c.Admit() != Admitted {
		t.Fatal("expected a slot after Release")
	}
	c.Release()
	c.Release()
}

func TestComposite_TkoReleasesOutstandingSlot(t *testing.T) {
	c := NewComposite("mem-a", Config{
		WindowSize:       1,
		FailureThreshold: 0.5,
		ResetTimeout:     time.Minute,
		MaxOutstanding:   1,
	}, slog.Default())

	c.RecordFailure(time.Millisecond)
	if got := c.Admit(); got != RejectedTko {
		t.Fatalf("expected RejectedTko, got %v", got)
	}
	if c.InFlight() != 0 {
		t.Fatalf("expected slot to be released on TKO, got %d in flight", c.InFlight())
	}
}

func TestComposite_ReleaseWithoutLimitIsNoop(t *testing.T) {
	c := NewComposite("mem-a", DefaultConfig(), slog.Default())
	c.Release()
	if c.InFlight() != 0 {
		t.Fatalf("expected 0, got %d", c.InFlight())
	}
}

func TestComposite_AllLayers(t *testing.T) {
	c := NewComposite("mem-a", Config{
		WindowSize:       4,
		FailureThreshold: 0.5,
		ResetTimeout:     10 * time.Millisecond,
		ProbeSuccesses:   1,
		SlowThreshold:    time.Second,
		MaxOutstanding:   10,
		Adaptive:         true,
		LatencyCeiling:   100 * time.Millisecond,
		MinThreshold:     0.2,
	}, slog.Default())

	for i := 0; i < 4; i++ {
		c.RecordFailure(time.Millisecond)
	}
	if c.State() != StateTko {
		t.Fatalf("expected StateTko, got %v", c.State())
	}
	time.Sleep(15 * time.Millisecond)
	if c.Admit() != Admitted {
		t.Fatal("expected probe admission")
	}
	c.RecordSuccess(time.Millisecond)
	c.Release()
	if c.State() != StateHealthy {
		t.Fatalf("expected StateHealthy after successful probe, got %v", c.State())
	}
}
