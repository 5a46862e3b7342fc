package circuitbreaker

import (
	"testing"
	"time"
)

func TestClosedUntilThreshold(t *testing.T) {
	b := New(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure("shadowship")
	}
	if !b.Allow("shadowship") {
		t.Error("circuit should stay closed below the threshold")
	}
	if got := b.State("shadowship"); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}

	b.RecordFailure("shadowship")
	if b.Allow("shadowship") {
		t.Error("circuit should reject at the threshold")
	}
	if got := b.State("shadowship"); got != StateOpen {
		t.Errorf("state = %v, want open", got)
	}
}

func TestUnknownKeyAllowed(t *testing.T) {
	b := New(3, time.Minute)
	if !b.Allow("never-seen") {
		t.Error("unknown key should be allowed")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(2, time.Minute)
	b.RecordFailure("flaky")
	b.RecordFailure("flaky")

	if b.Allow("flaky") {
		t.Error("flaky should be open")
	}
	if !b.Allow("steady") {
		t.Error("steady should be unaffected")
	}
}

func TestHalfOpenProbeRecovers(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("p")
	if b.Allow("p") {
		t.Fatal("circuit should be open")
	}

	time.Sleep(15 * time.Millisecond)

	if !b.Allow("p") {
		t.Fatal("elapsed window should admit a probe")
	}
	if got := b.State("p"); got != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", got)
	}
	if b.Allow("p") {
		t.Error("only one probe should be admitted")
	}

	b.RecordSuccess("p")
	if got := b.State("p"); got != StateClosed {
		t.Errorf("state after probe success = %v, want closed", got)
	}
	if !b.Allow("p") {
		t.Error("closed circuit should allow")
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("p")
	time.Sleep(15 * time.Millisecond)

	if !b.Allow("p") {
		t.Fatal("elapsed window should admit a probe")
	}
	b.RecordFailure("p")

	if got := b.State("p"); got != StateOpen {
		t.Errorf("state after probe failure = %v, want open", got)
	}
	if b.Allow("p") {
		t.Error("reopened circuit should reject")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute)
	b.RecordFailure("p")
	b.RecordFailure("p")
	b.RecordSuccess("p")
	b.RecordFailure("p")
	b.RecordFailure("p")

	if got := b.State("p"); got != StateClosed {
		t.Errorf("state = %v, want closed after reset", got)
	}
}

func TestStateString(t *testing.T) {
	if StateClosed.String() != "closed" || StateOpen.String() != "open" || StateHalfOpen.String() != "half_open" {
		t.Error("unexpected state names")
	}
	if State(42).String() != "unknown" {
		t.Error("out-of-range state should be unknown")
	}
}
