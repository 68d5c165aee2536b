package risk

import (
	"context"
	"errors"

	"github.com/amlume/identity/internal/apperr"
)

// CaptchaVerifier checks a CAPTCHA response token against the
// external provider (e.g. reCAPTCHA). One-method external
// collaborator interface
type CaptchaVerifier interface {
	Verify(ctx context.Context, responseToken, remoteIP string) (bool, error)
}

// ErrCaptchaRequired is returned by Gate.Check when the caller must
// obtain and resubmit a CAPTCHA response before the attempt proceeds.
var ErrCaptchaRequired = errors.New("risk: captcha required")

// Gate decides, before a login or registration attempt, whether a
// verified CAPTCHA response is required and validates one if
// supplied: rate-limit first, then a CAPTCHA token when the threshold
// is exceeded or the device is new.
type Gate struct {
	tracker  *FailedLoginTracker
	verifier CaptchaVerifier
}

// NewGate builds a Gate over a shared FailedLoginTracker and verifier.
func NewGate(tracker *FailedLoginTracker, verifier CaptchaVerifier) *Gate {
	return &Gate{tracker: tracker, verifier: verifier}
}

// Check enforces the gate for one attempt. newDevice signals an
// unrecognized device fingerprint, which alone triggers the CAPTCHA
// requirement even under the rate-limit threshold. responseToken is
// the CAPTCHA response the caller supplied, empty if none.
func (g *Gate) Check(ctx context.Context, identifier, ip string, newDevice bool, responseToken string) error {
	required := g.tracker.IPExhausted(ip) || newDevice
	if !required {
		return nil
	}
	if responseToken == "" {
		return apperr.Wrap(apperr.TooManyAttempts, "captcha response required", ErrCaptchaRequired)
	}
	if g.verifier == nil {
		// No provider wired: the requirement cannot be satisfied, so
		// the attempt stays throttled rather than panicking.
		return apperr.Wrap(apperr.TooManyAttempts, "captcha required but no verifier configured", ErrCaptchaRequired)
	}
	ok, err := g.verifier.Verify(ctx, responseToken, ip)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Wrap(apperr.TooManyAttempts, "captcha verification failed", ErrTooManyAttempts)
	}
	return nil
}
