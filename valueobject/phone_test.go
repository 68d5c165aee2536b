package valueobject

import "testing"

func TestNewPhoneCanonicalizesToE164(t *testing.T) {
	p, err := NewPhone("(555) 123-4567", "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.String() != "+15551234567" {
		t.Fatalf("expected +15551234567, got %q", p.String())
	}
}

func TestNewPhonePassesThroughExplicitCountryCode(t *testing.T) {
	p, err := NewPhone("+44 20 7946 0958", "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.String() != "+442079460958" {
		t.Fatalf("expected +442079460958, got %q", p.String())
	}
}

func TestNewPhoneRejectsGarbage(t *testing.T) {
	if _, err := NewPhone("not a phone number", "1"); err == nil {
		t.Fatalf("expected error")
	}
}
