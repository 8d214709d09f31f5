package clock

import (
	"testing"
	"time"
)

func TestFake_Advance(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}

	c.Advance(45 * time.Second)
	if got := c.Now().Sub(start); got != 45*time.Second {
		t.Errorf("advanced by %v, want 45s", got)
	}

	later := start.Add(time.Hour)
	c.Set(later)
	if !c.Now().Equal(later) {
		t.Errorf("Set did not move clock: %v", c.Now())
	}
}

func TestOrReal(t *testing.T) {
	if _, ok := OrReal(nil).(Real); !ok {
		t.Error("OrReal(nil) should return the real clock")
	}

	f := NewFake(time.Now())
	if OrReal(f) != Clock(f) {
		t.Error("OrReal should pass through a non-nil clock")
	}
}
