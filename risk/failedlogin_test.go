package risk

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestFailedLoginTrackerCountsAndPrunes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := NewFailedLoginTracker(time.Minute, 5, 1).WithClock(clock)

	tr.RecordFailure("alice@example.com", "1.2.3.4")
	tr.RecordFailure("alice@example.com", "1.2.3.4")
	if got := tr.CountIdentifier("alice@example.com"); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	clock.Advance(2 * time.Minute)
	if got := tr.CountIdentifier("alice@example.com"); got != 0 {
		t.Fatalf("count after window = %d, want 0", got)
	}
}

func TestFailedLoginTrackerResetOnSuccess(t *testing.T) {
	tr := NewFailedLoginTracker(time.Minute, 5, 1)
	tr.RecordFailure("bob@example.com", "5.6.7.8")
	tr.ResetIdentifier("bob@example.com")
	if got := tr.CountIdentifier("bob@example.com"); got != 0 {
		t.Fatalf("count = %d, want 0 after reset", got)
	}
}

func TestIPExhaustedAfterBurst(t *testing.T) {
	tr := NewFailedLoginTracker(time.Minute, 2, 0.001)
	if tr.IPExhausted("9.9.9.9") {
		t.Fatal("fresh IP should not be exhausted")
	}
	tr.RecordFailure("x", "9.9.9.9")
	tr.RecordFailure("y", "9.9.9.9")
	if !tr.IPExhausted("9.9.9.9") {
		t.Fatal("expected IP to be exhausted after burst consumed")
	}
}
