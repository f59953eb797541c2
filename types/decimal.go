package types

import (
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"
)

// Decimal is an arbitrary-precision decimal amount. All monetary values in the
// engine (deposits, payouts, commissions, surpluses) are Decimal; conversion to
// on-chain integer units happens only at the adapter boundary. It marshals JSON
// and CBOR as a decimal string so no precision is lost in storage.
type Decimal struct {
	d decimal.Decimal
}

// ParseDecimal parses a decimal string like "1.5" or "2991".
func ParseDecimal(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return Decimal{d}, nil
}

// MustDecimal parses a decimal string and panics on error. For constants and
// tests only.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DecimalFromInt returns the Decimal representation of an int64.
func DecimalFromInt(i int64) Decimal {
	return Decimal{decimal.NewFromInt(i)}
}

// DecimalFromUnits converts an on-chain integer amount (wei, satoshi, token
// base units) into a Decimal using the asset's number of decimals.
func DecimalFromUnits(units *big.Int, decimals int32) Decimal {
	if units == nil {
		return Decimal{}
	}
	return Decimal{decimal.NewFromBigInt(units, -decimals)}
}

// Units converts the Decimal into on-chain integer units for an asset with the
// given number of decimals, truncating any excess precision.
func (x Decimal) Units(decimals int32) *big.Int {
	return x.d.Shift(decimals).Truncate(0).BigInt()
}

// Add returns x+y.
func (x Decimal) Add(y Decimal) Decimal { return Decimal{x.d.Add(y.d)} }

// Sub returns x-y.
func (x Decimal) Sub(y Decimal) Decimal { return Decimal{x.d.Sub(y.d)} }

// Mul returns x*y.
func (x Decimal) Mul(y Decimal) Decimal { return Decimal{x.d.Mul(y.d)} }

// Div returns x/y with the library's default division precision. Callers deal
// with rounding explicitly via Floor.
func (x Decimal) Div(y Decimal) Decimal { return Decimal{x.d.Div(y.d)} }

// Floor truncates x to the given number of decimal places, always rounding
// down. Every rounding decision in the engine goes through here so that dust
// is never created out of thin air.
func (x Decimal) Floor(places int32) Decimal { return Decimal{x.d.Truncate(places)} }

// Cmp compares x and y: -1 if x<y, 0 if equal, +1 if x>y.
func (x Decimal) Cmp(y Decimal) int { return x.d.Cmp(y.d) }

// Equal reports whether x and y represent the same value.
func (x Decimal) Equal(y Decimal) bool { return x.d.Equal(y.d) }

// GreaterOrEqual reports x >= y.
func (x Decimal) GreaterOrEqual(y Decimal) bool { return x.d.Cmp(y.d) >= 0 }

// LessThan reports x < y.
func (x Decimal) LessThan(y Decimal) bool { return x.d.Cmp(y.d) < 0 }

// Sign returns -1, 0 or +1 depending on the sign of x.
func (x Decimal) Sign() int { return x.d.Sign() }

// IsZero reports whether x is exactly zero.
func (x Decimal) IsZero() bool { return x.d.IsZero() }

// IsPositive reports whether x > 0.
func (x Decimal) IsPositive() bool { return x.d.Sign() > 0 }

// IsNegative reports whether x < 0.
func (x Decimal) IsNegative() bool { return x.d.Sign() < 0 }

// String returns the shortest decimal string representation.
func (x Decimal) String() string { return x.d.String() }

// MarshalText returns the decimal string representation.
func (x Decimal) MarshalText() ([]byte, error) {
	return []byte(x.d.String()), nil
}

// UnmarshalText parses a decimal string.
func (x *Decimal) UnmarshalText(data []byte) error {
	d, err := decimal.NewFromString(string(data))
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", data, err)
	}
	x.d = d
	return nil
}

// MarshalJSON encodes the Decimal as a JSON string.
func (x Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + x.d.String() + `"`), nil
}

// UnmarshalJSON accepts both string and numeric JSON representations.
func (x *Decimal) UnmarshalJSON(data []byte) error {
	if len(data) > 1 && data[0] == '"' && data[len(data)-1] == '"' {
		return x.UnmarshalText(data[1 : len(data)-1])
	}
	return x.UnmarshalText(data)
}

// MarshalCBOR explicitly encodes Decimal as a CBOR text string.
func (x Decimal) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(x.d.String())
}

// UnmarshalCBOR decodes a CBOR text string into Decimal.
func (x *Decimal) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	return x.UnmarshalText([]byte(s))
}
