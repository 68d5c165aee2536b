package valueobject

import "fmt"

// Money is a minor-units amount plus an ISO 4217 currency code,
// carried for the downstream billing claims a token customizer may
// attach; nothing in this module mutates it.
type Money struct {
	MinorUnits int64
	Currency   string
}

// NewMoney validates that currency looks like an ISO 4217 code.
func NewMoney(minorUnits int64, currency string) (Money, error) {
	if len(currency) != 3 {
		return Money{}, fmt.Errorf("invalid currency code %q", currency)
	}
	return Money{MinorUnits: minorUnits, Currency: currency}, nil
}

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.MinorUnits, m.Currency)
}
