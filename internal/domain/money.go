package domain

import (
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// MoneyPlaces is the fixed scale of every amount and balance.
const MoneyPlaces = 2

// RoundMoney rounds half away from zero to two places. It is applied at every
// arithmetic boundary so both services agree on the result.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// ParseMoney parses a decimal string and rounds it to money scale.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse amount %q", s)
	}
	return RoundMoney(d), nil
}

// MustMoney is ParseMoney for literals in tests and fixtures.
func MustMoney(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Balance derives a balance as sum(credits) - sum(debits).
func Balance(movements []Movement) decimal.Decimal {
	total := decimal.Zero
	for _, m := range movements {
		total = total.Add(m.Signed())
	}
	return RoundMoney(total)
}
