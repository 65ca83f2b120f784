package types

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// BigInt is a big.Int wrapper whose JSON representation follows the wire
// conventions of the service: it marshals to a "0x"-prefixed hexadecimal
// string, and unmarshals from hex strings, decimal strings or plain JSON
// numbers. A nil pointer marshals as "0x0".
type BigInt big.Int

// NewBigInt creates a new BigInt from the given int64 value.
func NewBigInt(x int64) *BigInt {
	return (*BigInt)(big.NewInt(x))
}

// FromBig wraps a math/big Int. A nil argument yields a zero BigInt.
func FromBig(x *big.Int) *BigInt {
	if x == nil {
		return NewBigInt(0)
	}
	return (*BigInt)(new(big.Int).Set(x))
}

// MathBigInt converts the BigInt to a math/big Int. A nil receiver yields
// zero.
func (i *BigInt) MathBigInt() *big.Int {
	if i == nil {
		return new(big.Int)
	}
	return (*big.Int)(i)
}

// SetBytes interprets buf as big-endian unsigned integer.
func (i *BigInt) SetBytes(buf []byte) *BigInt {
	return (*BigInt)((*big.Int)(i).SetBytes(buf))
}

// String returns the "0x"-prefixed hexadecimal representation.
func (i *BigInt) String() string {
	if i == nil {
		return "0x0"
	}
	return "0x" + (*big.Int)(i).Text(16)
}

// Sign reports the sign of the underlying integer.
func (i *BigInt) Sign() int {
	if i == nil {
		return 0
	}
	return (*big.Int)(i).Sign()
}

// Cmp compares i and other like math/big Cmp, treating nil as zero.
func (i *BigInt) Cmp(other *BigInt) int {
	return i.MathBigInt().Cmp(other.MathBigInt())
}

// ParseBigInt parses s as an integer. It accepts "0x"-prefixed hexadecimal
// and plain decimal representations.
func ParseBigInt(s string) (*BigInt, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty integer string")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	base := 10
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		base = 16
		s = s[2:]
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, fmt.Errorf("invalid integer string %q", s)
	}
	if neg {
		v.Neg(v)
	}
	return (*BigInt)(v), nil
}

// MarshalJSON implements the json.Marshaler interface. The value is encoded
// as a "0x"-prefixed hexadecimal JSON string.
func (i *BigInt) MarshalJSON() ([]byte, error) {
	return []byte(`"` + i.String() + `"`), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface. It supports
// hexadecimal strings, decimal strings and numeric JSON representations.
func (i *BigInt) UnmarshalJSON(data []byte) error {
	if i == nil {
		return fmt.Errorf("cannot unmarshal into nil BigInt")
	}
	s := string(data)
	if len(s) > 1 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := ParseBigInt(s)
	if err != nil {
		return err
	}
	(*big.Int)(i).Set(v.MathBigInt())
	return nil
}

// MarshalCBOR explicitly encodes BigInt as a CBOR byte string holding the
// big-endian representation.
func (i *BigInt) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(i.MathBigInt().Bytes())
}

// UnmarshalCBOR decodes a CBOR byte string into BigInt.
func (i *BigInt) UnmarshalCBOR(data []byte) error {
	var buf []byte
	if err := cbor.Unmarshal(data, &buf); err != nil {
		return err
	}
	i.SetBytes(buf)
	return nil
}
