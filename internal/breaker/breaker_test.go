package breaker

import (
	"testing"
	"time"
)

func TestOpensAtThreshold(t *testing.T) {
	t.Parallel()
	b := New(Config{MaxFailures: 5, CoolDown: 30 * time.Minute})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		b.RecordFailure(now, "t1")
		if b.IsOpen(now, "t1") {
			t.Fatalf("open after %d failures, want closed", i+1)
		}
	}
	b.RecordFailure(now, "t1")
	if !b.IsOpen(now, "t1") {
		t.Fatal("want open after 5 failures")
	}
	if got := b.Failures(now, "t1"); got != 5 {
		t.Fatalf("Failures = %d, want 5", got)
	}
	// Other targets unaffected.
	if b.IsOpen(now, "t2") {
		t.Fatal("unrelated target must stay closed")
	}
}

func TestSelfResetAfterCoolDown(t *testing.T) {
	t.Parallel()
	b := New(Config{MaxFailures: 5, CoolDown: 30 * time.Minute})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		b.RecordFailure(now, "t1")
	}
	if !b.IsOpen(now.Add(29*time.Minute), "t1") {
		t.Fatal("want open inside cool-down window")
	}
	// No success recorded; the window elapsing alone closes it.
	if b.IsOpen(now.Add(30*time.Minute), "t1") {
		t.Fatal("want closed once cool-down elapsed")
	}
	if got := b.Failures(now.Add(31*time.Minute), "t1"); got != 0 {
		t.Fatalf("Failures after window = %d, want 0", got)
	}
}

func TestSuccessResets(t *testing.T) {
	t.Parallel()
	b := New(Config{MaxFailures: 2, CoolDown: time.Hour})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	b.RecordFailure(now, "t1")
	b.RecordSuccess("t1")
	b.RecordFailure(now, "t1")
	if b.IsOpen(now, "t1") {
		t.Fatal("success must have reset the streak")
	}
}

func TestStaleStreakRestartsCount(t *testing.T) {
	t.Parallel()
	b := New(Config{MaxFailures: 2, CoolDown: 10 * time.Minute})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	b.RecordFailure(now, "t1")
	// A failure far outside the window starts a fresh streak.
	later := now.Add(time.Hour)
	b.RecordFailure(later, "t1")
	if b.IsOpen(later, "t1") {
		t.Fatal("stale failure must not count toward the trip threshold")
	}
	if got := b.Failures(later, "t1"); got != 1 {
		t.Fatalf("Failures = %d, want 1", got)
	}
}

func TestForgetDropsState(t *testing.T) {
	t.Parallel()
	b := New(Config{})
	now := time.Now()
	for i := 0; i < DefaultMaxFailures; i++ {
		b.RecordFailure(now, "t1")
	}
	b.Forget("t1")
	if b.IsOpen(now, "t1") {
		t.Fatal("forgotten target must read closed")
	}
	total, open := b.Snapshot(now)
	if total != 0 || open != 0 {
		t.Fatalf("Snapshot = (%d, %d), want (0, 0)", total, open)
	}
}
