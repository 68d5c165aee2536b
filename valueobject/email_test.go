package valueobject

import "testing"

func TestNewEmailNormalizesCase(t *testing.T) {
	a, err := NewEmail("Alice@Example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := NewEmail("alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("expected emails differing only in case to be equal")
	}
	if a.String() != "Alice@Example.com" {
		t.Fatalf("expected display form preserved, got %q", a.String())
	}
}

func TestNewEmailRejectsNamedAddress(t *testing.T) {
	if _, err := NewEmail("Alice <alice@example.com>"); err == nil {
		t.Fatalf("expected error for named address")
	}
}

func TestNewEmailRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "not-an-email", "@example.com", "alice@"} {
		if _, err := NewEmail(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}

func TestEmailJSONRoundTrip(t *testing.T) {
	e, err := NewEmail("Bob@Example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := e.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Email
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Equal(e) || got.String() != e.String() {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, e)
	}
}
