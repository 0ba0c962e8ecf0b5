package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestIntervalKeepsFiringAfterErrors(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(WithClock(clock))
	defer s.StopAll()

	var calls atomic.Int32
	id, err := s.ScheduleInterval(20*time.Minute, func(context.Context) error {
		calls.Add(1)
		return errors.New("price feed unavailable")
	}, false)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	clock.Advance(20 * time.Minute)
	waitFor(t, "first tick", func() bool { return calls.Load() == 1 })
	clock.Advance(20 * time.Minute)
	waitFor(t, "second tick", func() bool { return calls.Load() == 2 })

	info, ok := s.Info(id)
	if !ok {
		t.Fatalf("schedule should still be registered")
	}
	if !info.Active || info.Failures != 2 || info.LastError != "price feed unavailable" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestIntervalRecoversFromPanic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(WithClock(clock))
	defer s.StopAll()

	var calls atomic.Int32
	id, err := s.ScheduleInterval(time.Minute, func(context.Context) error {
		calls.Add(1)
		panic("boom")
	}, true)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, "immediate run", func() bool { return calls.Load() == 1 })
	waitFor(t, "failure recorded", func() bool {
		info, _ := s.Info(id)
		return info.Failures == 1
	})
	clock.Advance(time.Minute)
	waitFor(t, "tick after panic", func() bool { return calls.Load() == 2 })
}

func TestIntervalRemainingTime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(WithClock(clock))
	defer s.StopAll()

	id, err := s.ScheduleInterval(10*time.Minute, func(context.Context) error { return nil }, false)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	clock.Advance(4 * time.Minute)
	info, ok := s.Info(id)
	if !ok {
		t.Fatalf("missing schedule")
	}
	if info.RemainingSeconds != (6 * time.Minute).Seconds() {
		t.Fatalf("expected 360s remaining, got %v", info.RemainingSeconds)
	}
	if info.Type != TypeInterval || info.Interval != 10*time.Minute {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestStopScheduleHaltsCallbacks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(WithClock(clock))
	defer s.StopAll()

	var calls atomic.Int32
	id, err := s.ScheduleInterval(time.Minute, func(context.Context) error {
		calls.Add(1)
		return nil
	}, false)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !s.StopSchedule(id) {
		t.Fatalf("expected stop to succeed")
	}
	if s.StopSchedule(id) {
		t.Fatalf("second stop should report missing schedule")
	}
	clock.Advance(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("stopped schedule fired %d times", calls.Load())
	}
	if len(s.Active()) != 0 {
		t.Fatalf("expected no active schedules")
	}
}

func TestScheduleTimesRearmsDaily(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	s := New(WithClock(clock))
	defer s.StopAll()

	var calls atomic.Int32
	id, err := s.ScheduleTimes([]string{"12:00", "10:30"}, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	info, _ := s.Info(id)
	if !info.NextRun.Equal(start.Add(30*time.Minute)) || info.RemainingSeconds != 1800 {
		t.Fatalf("unexpected first run %+v", info)
	}

	clock.Advance(30 * time.Minute)
	waitFor(t, "10:30 run", func() bool { return calls.Load() == 1 })
	info, _ = s.Info(id)
	if !info.NextRun.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected next run at 12:00, got %s", info.NextRun)
	}

	clock.Advance(90 * time.Minute)
	waitFor(t, "12:00 run", func() bool { return calls.Load() == 2 })
	info, _ = s.Info(id)
	if !info.NextRun.Equal(time.Date(2024, 3, 2, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("expected next run tomorrow 10:30, got %s", info.NextRun)
	}
}

func TestScheduleValidation(t *testing.T) {
	s := New(WithClock(clockwork.NewFakeClock()))
	defer s.StopAll()

	if _, err := s.ScheduleInterval(0, func(context.Context) error { return nil }, false); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if _, err := s.ScheduleTimes([]string{"25:00"}, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error for invalid hour")
	}
	if _, err := s.ScheduleTimes(nil, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error for empty times")
	}
}

func TestParseTimeOfDayCanonical(t *testing.T) {
	_, canonical, err := ParseTimeOfDay(" 9:5 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if canonical != "09:05" {
		t.Fatalf("expected 09:05, got %s", canonical)
	}
}
