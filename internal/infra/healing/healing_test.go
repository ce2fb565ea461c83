package healing

import (
	"errors"
	"testing"
	"time"
)

var errStore = errors.New("disk I/O error")

// fakeClock is advanced by hand.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T) (*Breaker, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New("trace-flush", Config{Threshold: 3, Cooldown: time.Second, Probes: 2})
	b.now = clk.now
	return b, clk
}

func trip(b *Breaker) {
	for i := 0; i < b.cfg.Threshold; i++ {
		b.Failure(errStore)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Closed, "CLOSED"},
		{Open, "OPEN"},
		{HalfOpen, "HALF_OPEN"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New("x", Config{})
	if b.cfg != DefaultConfig() {
		t.Errorf("cfg = %+v, want %+v", b.cfg, DefaultConfig())
	}
	if b.State() != Closed {
		t.Errorf("initial state = %s, want CLOSED", b.State())
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.Failure(errStore)
	b.Failure(errStore)
	if b.State() != Closed {
		t.Fatalf("state after 2 failures = %s, want CLOSED", b.State())
	}
	b.Failure(errStore)
	if b.State() != Open {
		t.Fatalf("state after 3 failures = %s, want OPEN", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() = %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessClearsFailures(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.Failure(errStore)
	b.Failure(errStore)
	b.Success()
	b.Failure(errStore)
	b.Failure(errStore)
	if b.State() != Closed {
		t.Errorf("state = %s, want CLOSED (failures not consecutive)", b.State())
	}
}

func TestBreaker_CooldownThenProbes(t *testing.T) {
	b, clk := newTestBreaker(t)
	trip(b)

	clk.advance(999 * time.Millisecond)
	if b.State() != Open {
		t.Fatalf("state before cooldown = %s, want OPEN", b.State())
	}
	clk.advance(time.Millisecond)
	if b.State() != HalfOpen {
		t.Fatalf("state after cooldown = %s, want HALF_OPEN", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() in HALF_OPEN = %v, want nil", err)
	}

	b.Success()
	if b.State() != HalfOpen {
		t.Fatalf("state after 1 probe = %s, want HALF_OPEN", b.State())
	}
	b.Success()
	if b.State() != Closed {
		t.Fatalf("state after 2 probes = %s, want CLOSED", b.State())
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(t)
	trip(b)
	clk.advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() = %v", err)
	}
	b.Failure(errStore)
	if b.State() != Open {
		t.Fatalf("state after failed probe = %s, want OPEN", b.State())
	}
	if got := b.Snapshot().Trips; got != 2 {
		t.Errorf("Trips = %d, want 2", got)
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(t)
	calls := 0
	failing := func() error { calls++; return errStore }

	for i := 0; i < 3; i++ {
		if err := b.Do(failing); !errors.Is(err, errStore) {
			t.Fatalf("Do() #%d = %v, want errStore", i, err)
		}
	}
	if err := b.Do(failing); !errors.Is(err, ErrOpen) {
		t.Fatalf("Do() while open = %v, want ErrOpen", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}

	snap := b.Snapshot()
	if snap.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", snap.Rejected)
	}
	if snap.LastError != errStore.Error() {
		t.Errorf("LastError = %q, want %q", snap.LastError, errStore.Error())
	}
	if snap.Name != "trace-flush" || snap.State != Open {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(t)
	trip(b)
	b.Reset()
	if b.State() != Closed {
		t.Errorf("State after Reset() = %s, want CLOSED", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after Reset() = %v, want nil", err)
	}
}
