package valueobject

import "testing"

func TestNewMoneyValidatesCurrency(t *testing.T) {
	if _, err := NewMoney(100, "US"); err == nil {
		t.Fatalf("expected error for short currency code")
	}
	m, err := NewMoney(1099, "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.String() != "1099 USD" {
		t.Fatalf("unexpected string form: %q", m.String())
	}
}
