package risk

import "context"

// BreachChecker tells whether a plaintext password appears in a known
// breach corpus's password-policy check. A checker
// failure is logged by the caller and treated as non-blocking — the
// interface itself reports the error so callers can make that call.
type BreachChecker interface {
	IsBreached(ctx context.Context, password string) (bool, error)
}
