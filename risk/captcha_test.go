package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amlume/identity/internal/apperr"
)

type fakeVerifier struct{ ok bool }

func (f *fakeVerifier) Verify(ctx context.Context, responseToken, remoteIP string) (bool, error) {
	return f.ok, nil
}

func TestGateAllowsFreshIPWithoutCaptcha(t *testing.T) {
	tr := NewFailedLoginTracker(time.Minute, 3, 1)
	g := NewGate(tr, &fakeVerifier{ok: true})
	if err := g.Check(context.Background(), "alice", "10.0.0.1", false, ""); err != nil {
		t.Fatalf("expected no error for fresh IP, got %v", err)
	}
}

func TestGateRequiresCaptchaOnNewDevice(t *testing.T) {
	tr := NewFailedLoginTracker(time.Minute, 3, 1)
	g := NewGate(tr, &fakeVerifier{ok: true})
	err := g.Check(context.Background(), "alice", "10.0.0.2", true, "")
	if !errors.Is(err, ErrCaptchaRequired) {
		t.Fatalf("err = %v, want ErrCaptchaRequired", err)
	}
	if !apperr.Is(err, apperr.TooManyAttempts) {
		t.Fatalf("err = %v, want apperr.TooManyAttempts kind", err)
	}
}

func TestGateAcceptsValidCaptchaAfterExhaustion(t *testing.T) {
	tr := NewFailedLoginTracker(time.Minute, 1, 0.0001)
	tr.RecordFailure("id", "10.0.0.3")
	g := NewGate(tr, &fakeVerifier{ok: true})
	if err := g.Check(context.Background(), "id", "10.0.0.3", false, "token"); err != nil {
		t.Fatalf("expected success with valid captcha, got %v", err)
	}
}

func TestGateWithoutVerifierRejectsInsteadOfPanicking(t *testing.T) {
	tr := NewFailedLoginTracker(time.Minute, 1, 0.0001)
	tr.RecordFailure("id", "10.0.0.5")
	g := NewGate(tr, nil)
	err := g.Check(context.Background(), "id", "10.0.0.5", false, "token")
	if !errors.Is(err, ErrCaptchaRequired) {
		t.Fatalf("err = %v, want ErrCaptchaRequired", err)
	}
	if !apperr.Is(err, apperr.TooManyAttempts) {
		t.Fatalf("err = %v, want apperr.TooManyAttempts kind", err)
	}
}

func TestGateRejectsFailedCaptcha(t *testing.T) {
	tr := NewFailedLoginTracker(time.Minute, 1, 0.0001)
	tr.RecordFailure("id", "10.0.0.4")
	g := NewGate(tr, &fakeVerifier{ok: false})
	err := g.Check(context.Background(), "id", "10.0.0.4", false, "token")
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("err = %v, want ErrTooManyAttempts", err)
	}
	if !apperr.Is(err, apperr.TooManyAttempts) {
		t.Fatalf("err = %v, want apperr.TooManyAttempts kind", err)
	}
}
