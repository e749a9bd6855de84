package connector

import (
	"testing"
	"time"
)

func TestAdaptiveSchedulerShrinksOnRecords(t *testing.T) {
	s := NewAdaptiveScheduler(10*time.Second, true)

	s.Observe(true)
	if got := s.Interval(); got != 8*time.Second {
		t.Errorf("interval after one productive poll = %v, want 8s", got)
	}

	// The floor is a quarter of the configured interval, inclusive
	for i := 0; i < 50; i++ {
		s.Observe(true)
	}
	if got := s.Interval(); got != 2500*time.Millisecond {
		t.Errorf("interval floor = %v, want 2.5s", got)
	}
}

func TestAdaptiveSchedulerGrowsAfterEmptyStreak(t *testing.T) {
	s := NewAdaptiveScheduler(10*time.Second, true)

	// Two empty polls: no change yet
	s.Observe(false)
	s.Observe(false)
	if got := s.Interval(); got != 10*time.Second {
		t.Errorf("interval after 2 empty polls = %v, want unchanged", got)
	}

	// The third empty poll starts backing off
	s.Observe(false)
	if got := s.Interval(); got != 15*time.Second {
		t.Errorf("interval after 3 empty polls = %v, want 15s", got)
	}

	// The ceiling is four times the configured interval, inclusive
	for i := 0; i < 50; i++ {
		s.Observe(false)
	}
	if got := s.Interval(); got != 40*time.Second {
		t.Errorf("interval ceiling = %v, want 40s", got)
	}
}

func TestAdaptiveSchedulerRecordsResetStreak(t *testing.T) {
	s := NewAdaptiveScheduler(10*time.Second, true)

	s.Observe(false)
	s.Observe(false)
	s.Observe(true)
	if s.EmptyStreak() != 0 {
		t.Errorf("streak after a productive poll = %d, want 0", s.EmptyStreak())
	}

	// The streak starts over; two more empties stay under the threshold
	s.Observe(false)
	s.Observe(false)
	if got := s.Interval(); got != 8*time.Second {
		t.Errorf("interval = %v, want 8s (one shrink, no growth)", got)
	}
}

func TestAdaptiveSchedulerDisabled(t *testing.T) {
	s := NewAdaptiveScheduler(10*time.Second, false)

	for i := 0; i < 10; i++ {
		s.Observe(false)
	}
	s.Observe(true)
	if got := s.Interval(); got != 10*time.Second {
		t.Errorf("disabled scheduler interval = %v, want configured", got)
	}
}
