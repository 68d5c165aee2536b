package account

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// Boundary behavior: password at the minimum length boundary ±1.
func TestPasswordPolicyValidateMinLengthBoundary(t *testing.T) {
	p := PasswordPolicy{MinLength: 8}

	if err := p.Validate(strings.Repeat("a", 7)); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort one below minimum, got %v", err)
	}
	if err := p.Validate(strings.Repeat("a", 8)); err != nil {
		t.Fatalf("expected password at exactly the minimum to be accepted: %v", err)
	}
	if err := p.Validate(strings.Repeat("a", 9)); err != nil {
		t.Fatalf("expected password one above the minimum to be accepted: %v", err)
	}
}

func TestPasswordPolicyValidateMaxLengthBoundary(t *testing.T) {
	p := PasswordPolicy{}

	if err := p.Validate(strings.Repeat("a", MaxPasswordLength)); err != nil {
		t.Fatalf("expected password at exactly the maximum to be accepted: %v", err)
	}
	if err := p.Validate(strings.Repeat("a", MaxPasswordLength+1)); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong above maximum, got %v", err)
	}
}

func TestPasswordPolicyCharacterClasses(t *testing.T) {
	p := DefaultPasswordPolicy()

	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"missing upper", "lowercase1!", ErrPasswordMissingCase},
		{"missing digit", "NoDigitsHere!", ErrPasswordMissingDigit},
		{"missing special", "NoSpecial1", ErrPasswordMissingSpecial},
		{"all classes present", "Valid1Password!", nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := p.Validate(c.raw)
			if c.want == nil && err != nil {
				t.Fatalf("expected %q to pass, got %v", c.raw, err)
			}
			if c.want != nil && !errors.Is(err, c.want) {
				t.Fatalf("expected %v for %q, got %v", c.want, c.raw, err)
			}
		})
	}
}

type stubBreachChecker struct {
	breached bool
	err      error
}

func (s stubBreachChecker) IsBreached(ctx context.Context, password string) (bool, error) {
	return s.breached, s.err
}

func TestCheckBreachRejectsKnownBreachedPassword(t *testing.T) {
	err := CheckBreach(context.Background(), stubBreachChecker{breached: true}, nil, "password123")
	if !errors.Is(err, ErrPasswordBreached) {
		t.Fatalf("expected ErrPasswordBreached, got %v", err)
	}
}

// A breach-checker failure is fail-open: logged, not
// returned as a rejection.
func TestCheckBreachFailsOpenOnCheckerError(t *testing.T) {
	err := CheckBreach(context.Background(), stubBreachChecker{err: errors.New("network down")}, nil, "password123")
	if err != nil {
		t.Fatalf("expected breach checker error to fail open, got %v", err)
	}
}

func TestCheckBreachNilCheckerIsNoop(t *testing.T) {
	if err := CheckBreach(context.Background(), nil, nil, "anything"); err != nil {
		t.Fatalf("expected nil checker to be a no-op, got %v", err)
	}
}
