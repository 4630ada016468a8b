package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_Sleep(t *testing.T) {
	clock := RealClock{}
	start := time.Now()
	clock.Sleep(5 * time.Millisecond)

	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("Sleep returned after %v, expected >= 5ms", elapsed)
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Sleep(2 * time.Second)
	clock.Sleep(500 * time.Millisecond)

	if got := clock.Since(start); got != 2500*time.Millisecond {
		t.Errorf("Since(start) = %v, want 2.5s", got)
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 2*time.Second || sleeps[1] != 500*time.Millisecond {
		t.Errorf("Sleeps() = %v", sleeps)
	}

	// The returned slice is a copy.
	sleeps[0] = 0
	if clock.Sleeps()[0] != 2*time.Second {
		t.Error("Sleeps() exposed internal state")
	}
}

func TestMockClock_NegativeSleep(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Sleep(-time.Second)
	if !clock.Now().Equal(start) {
		t.Errorf("negative sleep moved the clock to %v", clock.Now())
	}
	if len(clock.Sleeps()) != 1 {
		t.Error("negative sleep was not recorded")
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Advance(time.Minute)
	if got := clock.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Errorf("Now() = %v after Advance", got)
	}
	if len(clock.Sleeps()) != 0 {
		t.Error("Advance should not record a sleep")
	}
}
