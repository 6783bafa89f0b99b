// Copyright 2026 The Coinward Authors

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package amount implements currency-tagged fixed-point monetary values.
//
// An amount is a pair of an integer value and a fractional part denominated
// in 1e-8 units, tagged with an uppercase currency code. Arithmetic never
// produces negative results: subtraction saturates at zero and addition
// saturates at the maximum representable amount. Operations on amounts of
// different currencies fail with [ErrCurrencyMismatch].
//
// The wire representation is the string "<CURRENCY>:<value>.<fraction>",
// e.g. "TESTKUDOS:1.5" for one and a half TESTKUDOS.
package amount

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// FractionalBase is the number of fractional units per value unit.
	FractionalBase = 100_000_000
	// FractionalLength is the number of decimal digits needed to represent
	// the fractional part.
	FractionalLength = 8
	// MaxValue is the largest allowed value part of an amount.
	MaxValue = 1 << 52
)

var (
	ErrCurrencyMismatch = errors.New("mismatched currency")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrUnderflow        = errors.New("amount underflow")
)

// Amount is a non-negative financial amount. The zero value is not usable
// because it carries no currency; use [Zero] instead.
type Amount struct {
	// Currency is the uppercase currency code.
	Currency string
	// Value is the integer part, at most MaxValue.
	Value uint64
	// Fraction is the fractional part in 1e-8 units, below FractionalBase
	// in normalized amounts.
	Fraction uint64
}

var amountPattern = regexp.MustCompile(`^([a-zA-Z0-9_*-]+):([0-9]+)(\.[0-9]+)?$`)

// Zero returns the zero amount of the given currency.
func Zero(currency string) Amount {
	return Amount{Currency: currency}
}

// Parse parses an amount in the "<CURRENCY>:<value>.<fraction>" form.
func Parse(s string) (Amount, error) {
	m := amountPattern.FindStringSubmatch(s)
	if m == nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	value, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil || value > MaxValue {
		return Amount{}, fmt.Errorf("%w: value part of %q out of range", ErrInvalidAmount, s)
	}
	var fraction uint64
	if m[3] != "" {
		digits := m[3][1:]
		if len(digits) > FractionalLength {
			return Amount{}, fmt.Errorf("%w: too many fractional digits in %q", ErrInvalidAmount, s)
		}
		fraction, err = strconv.ParseUint(digits, 10, 64)
		if err != nil {
			return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		for i := len(digits); i < FractionalLength; i++ {
			fraction *= 10
		}
	}
	return Amount{Currency: m[1], Value: value, Fraction: fraction}, nil
}

// MustParse parses an amount or panics. Should only be used in tests and
// for compile-time constant amounts.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String formats the amount in its wire form. Trailing fractional zeroes
// are omitted, as is the dot for whole amounts.
func (a Amount) String() string {
	v := a.normalized()
	s := fmt.Sprintf("%s:%d", v.Currency, v.Value)
	if v.Fraction > 0 {
		frac := strings.TrimRight(fmt.Sprintf("%08d", v.Fraction), "0")
		s += "." + frac
	}
	return s
}

// MarshalJSON encodes the amount as its wire string. The currency-less
// zero value encodes as the empty string so that unset optional fields
// survive a round trip.
func (a Amount) MarshalJSON() ([]byte, error) {
	if a.Currency == "" && a.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes an amount from its wire string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Amount{}
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (a Amount) normalized() Amount {
	a.Value += a.Fraction / FractionalBase
	a.Fraction %= FractionalBase
	return a
}

func saturated(currency string) Amount {
	return Amount{Currency: currency, Value: MaxValue, Fraction: FractionalBase - 1}
}

// Add returns the sum of a and all bs, saturating at the maximum
// representable amount rather than overflowing.
func Add(a Amount, bs ...Amount) (Amount, error) {
	r := a.normalized()
	if r.Value > MaxValue {
		return saturated(r.Currency), nil
	}
	for _, b := range bs {
		if b.Currency != r.Currency {
			return Amount{}, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, b.Currency, r.Currency)
		}
		b = b.normalized()
		r.Fraction += b.Fraction
		r.Value += b.Value + r.Fraction/FractionalBase
		r.Fraction %= FractionalBase
		if r.Value > MaxValue {
			return saturated(r.Currency), nil
		}
	}
	return r, nil
}

// Sub subtracts all bs from a, saturating at zero.
func Sub(a Amount, bs ...Amount) (Amount, error) {
	r := a.normalized()
	for _, b := range bs {
		if b.Currency != r.Currency {
			return Amount{}, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, b.Currency, r.Currency)
		}
		b = b.normalized()
		if r.Fraction < b.Fraction {
			if r.Value == 0 {
				return Zero(r.Currency), nil
			}
			r.Value--
			r.Fraction += FractionalBase
		}
		r.Fraction -= b.Fraction
		if r.Value < b.Value {
			return Zero(r.Currency), nil
		}
		r.Value -= b.Value
	}
	return r, nil
}

// SubStrict subtracts all bs from a and fails with [ErrUnderflow] when
// the result would be negative. Balance mutations use this form so that
// an oversized debit is rejected instead of silently clamped.
func SubStrict(a Amount, bs ...Amount) (Amount, error) {
	r := a.normalized()
	for _, b := range bs {
		if b.Currency != r.Currency {
			return Amount{}, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, b.Currency, r.Currency)
		}
		b = b.normalized()
		if Cmp(r, b) < 0 {
			return Amount{}, fmt.Errorf("%w: cannot subtract %s from %s", ErrUnderflow, b, r)
		}
		if r.Fraction < b.Fraction {
			r.Value--
			r.Fraction += FractionalBase
		}
		r.Fraction -= b.Fraction
		r.Value -= b.Value
	}
	return r, nil
}

// Sum adds up a non-empty slice of amounts.
func Sum(as []Amount) (Amount, error) {
	if len(as) == 0 {
		return Amount{}, fmt.Errorf("%w: can't sum zero amounts", ErrInvalidAmount)
	}
	return Add(as[0], as[1:]...)
}

// Cmp compares two amounts of the same currency. It returns -1, 0 or 1.
// Comparing amounts of different currencies is a programming error and
// panics.
func Cmp(a, b Amount) int {
	if a.Currency != b.Currency {
		panic(fmt.Sprintf("mismatched currency: %s and %s", a.Currency, b.Currency))
	}
	a, b = a.normalized(), b.normalized()
	switch {
	case a.Value < b.Value:
		return -1
	case a.Value > b.Value:
		return 1
	case a.Fraction < b.Fraction:
		return -1
	case a.Fraction > b.Fraction:
		return 1
	default:
		return 0
	}
}

// Cmp is the method form of [Cmp].
func (a Amount) Cmp(b Amount) int {
	return Cmp(a, b)
}

// Min returns the smaller of two amounts.
func Min(a, b Amount) Amount {
	if Cmp(a, b) >= 0 {
		return b
	}
	return a
}

// Max returns the larger of two amounts.
func Max(a, b Amount) Amount {
	if Cmp(a, b) >= 0 {
		return a
	}
	return b
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.Value == 0 && a.Fraction == 0
}

// Divide divides the amount by n, rounding the fractional part down.
// Division by zero panics.
func Divide(a Amount, n uint64) Amount {
	if n == 0 {
		panic("amount division by zero")
	}
	if n == 1 {
		return a
	}
	a = a.normalized()
	rem := a.Value % n
	return Amount{
		Currency: a.Currency,
		Value:    a.Value / n,
		Fraction: (rem*FractionalBase + a.Fraction) / n,
	}
}

// Multiply multiplies the amount by n, saturating at the maximum
// representable amount.
func Multiply(a Amount, n uint64) (Amount, error) {
	acc := Zero(a.Currency)
	var err error
	for i := uint64(0); i < n; i++ {
		acc, err = Add(acc, a)
		if err != nil {
			return Amount{}, err
		}
		if acc == saturated(a.Currency) {
			return acc, nil
		}
	}
	return acc, nil
}
