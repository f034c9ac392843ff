package clock_test

import (
	"testing"
	"time"

	"pkt.systems/assetlock/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestSinceUsesSuppliedClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	m.Advance(1500 * time.Millisecond)
	if got := clock.Since(m, start); got != 1500*time.Millisecond {
		t.Fatalf("unexpected elapsed %v", got)
	}
}

func TestOrRealDefaults(t *testing.T) {
	t.Parallel()

	if _, ok := clock.OrReal(nil).(clock.Real); !ok {
		t.Fatal("expected Real clock for nil input")
	}
	m := clock.NewManual(time.Now())
	if clock.OrReal(m) != m {
		t.Fatal("expected supplied clock to be returned")
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ch := m.After(time.Second)
	if m.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", m.Pending())
	}
	m.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	m.Advance(500 * time.Millisecond)
	select {
	case <-ch:
	default:
		t.Fatal("timer did not fire")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}
