package model

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/errandhq/errand/internal/apierror"
)

// Money is an amount in the settlement currency held as minor units (scale 2).
type Money int64

var hundred = decimal.NewFromInt(100)

func NewMoney(minor int64) Money {
	return Money(minor)
}

// ParseMoney reads a major-unit decimal string such as "100.00". Amounts with
// more than two fractional digits are rejected.
func ParseMoney(value string) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, apierror.NewReasonError(apierror.ErrInvalidAmount, "", fmt.Sprintf("invalid amount %q", value))
	}
	minor := d.Mul(hundred)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, apierror.NewReasonError(apierror.ErrInvalidAmount, "", fmt.Sprintf("amount %q has more than two decimal places", value))
	}
	return Money(minor.IntPart()), nil
}

// MustParseMoney is ParseMoney for literals known to be valid.
func MustParseMoney(value string) Money {
	m, err := ParseMoney(value)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Minor() int64 {
	return int64(m)
}

func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

func (m Money) IsZero() bool {
	return m == 0
}

func (m Money) IsPositive() bool {
	return m > 0
}

func (m Money) Add(other Money) Money {
	return m + other
}

// Sub fails with INVALID_AMOUNT when the result would be negative.
func (m Money) Sub(other Money) (Money, error) {
	if other > m {
		return 0, apierror.NewReasonError(apierror.ErrInvalidAmount, "", fmt.Sprintf("%s minus %s is negative", m, other))
	}
	return m - other, nil
}

// SubFloor subtracts and clamps the result at zero.
func (m Money) SubFloor(other Money) Money {
	if other > m {
		return 0
	}
	return m - other
}

// MulRate multiplies by rate and rounds half up to the nearest minor unit.
func (m Money) MulRate(rate decimal.Decimal) Money {
	return Money(decimal.NewFromInt(int64(m)).Mul(rate).Round(0).IntPart())
}

func MinMoney(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}

func SumMoney(amounts ...Money) Money {
	var total Money
	for _, a := range amounts {
		total += a
	}
	return total
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts both "12.50" and 12.50.
func (m *Money) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	parsed, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
