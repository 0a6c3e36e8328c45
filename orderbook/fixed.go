package orderbook

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Price and Quantity are fixed-point integers: the decimal value scaled by
// 10^digits of the owning Scale and truncated.
type Price uint64

type Quantity uint64

// DefaultDigits is the scale used when none is configured.
const DefaultDigits = 8

// maxDigits keeps 10^digits well inside uint64 for realistic prices.
const maxDigits = 18

var ErrInvalidNumeric = errors.New("invalid numeric value")

// Scale converts between decimal strings and fixed-point integers using a
// fixed number of fractional digits. Digits beyond the scale are truncated.
type Scale struct {
	digits int32
}

// NewScale returns a scale with the given number of fractional digits.
func NewScale(digits int) (Scale, error) {
	if digits < 0 || digits > maxDigits {
		return Scale{}, fmt.Errorf("scale digits must be between 0 and %d, got %d", maxDigits, digits)
	}
	return Scale{digits: int32(digits)}, nil
}

// Digits reports the number of fractional digits kept by the scale.
func (s Scale) Digits() int { return int(s.digits) }

const (
	// maxInputLen bounds the text accepted by ToFixed.
	maxInputLen = 64
	// maxFixedDigits is the number of decimal digits in math.MaxUint64.
	maxFixedDigits = 20
	// echoLen caps how much of a rejected input is quoted in an error.
	echoLen = 32
)

// ToFixed parses value and scales it. Unparseable, negative and out of range
// inputs return an error wrapping ErrInvalidNumeric.
func (s Scale) ToFixed(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if len(value) > maxInputLen {
		return 0, fmt.Errorf("%w: %q is longer than %d bytes", ErrInvalidNumeric, clip(value), maxInputLen)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidNumeric, clip(value), err)
	}
	return s.FromDecimal(d)
}

// FromDecimal scales an already parsed decimal. The magnitude is checked
// from the coefficient length and exponent before any rescaling, so extreme
// exponents never materialise a power of ten.
func (s Scale) FromDecimal(d decimal.Decimal) (uint64, error) {
	coef := d.Coefficient()
	if coef.Sign() < 0 {
		return 0, fmt.Errorf("%w: negative value %s", ErrInvalidNumeric, describe(coef, d.Exponent()))
	}
	if coef.Sign() == 0 {
		return 0, nil
	}
	intDigits := int64(len(coef.Text(10))) + int64(d.Exponent()) + int64(s.digits)
	if intDigits <= 0 {
		return 0, nil
	}
	if intDigits > maxFixedDigits {
		return 0, fmt.Errorf("%w: %s overflows %d-digit fixed point", ErrInvalidNumeric, describe(coef, d.Exponent()), s.digits)
	}
	scaled := d.Shift(s.digits).Truncate(0).BigInt()
	if !scaled.IsUint64() {
		return 0, fmt.Errorf("%w: %s overflows %d-digit fixed point", ErrInvalidNumeric, describe(coef, d.Exponent()), s.digits)
	}
	return scaled.Uint64(), nil
}

func describe(coef *big.Int, exp int32) string {
	return fmt.Sprintf("%se%d", clip(coef.Text(10)), exp)
}

func clip(s string) string {
	if len(s) <= echoLen {
		return s
	}
	return s[:echoLen] + "..."
}

// ToDecimal divides v by the scaling factor.
func (s Scale) ToDecimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -s.digits)
}

// Codec holds independent scales for prices (tick precision) and quantities
// (lot precision).
type Codec struct {
	Price    Scale
	Quantity Scale
}

// NewCodec builds a codec from price and quantity digit counts.
func NewCodec(priceDigits, quantityDigits int) (Codec, error) {
	ps, err := NewScale(priceDigits)
	if err != nil {
		return Codec{}, fmt.Errorf("price scale: %w", err)
	}
	qs, err := NewScale(quantityDigits)
	if err != nil {
		return Codec{}, fmt.Errorf("quantity scale: %w", err)
	}
	return Codec{Price: ps, Quantity: qs}, nil
}

// DefaultCodec uses DefaultDigits for both prices and quantities.
func DefaultCodec() Codec {
	return Codec{Price: Scale{digits: DefaultDigits}, Quantity: Scale{digits: DefaultDigits}}
}

func (c Codec) PriceToFixed(value string) (Price, error) {
	v, err := c.Price.ToFixed(value)
	return Price(v), err
}

func (c Codec) QuantityToFixed(value string) (Quantity, error) {
	v, err := c.Quantity.ToFixed(value)
	return Quantity(v), err
}

func (c Codec) PriceToDecimal(p Price) decimal.Decimal {
	return c.Price.ToDecimal(uint64(p))
}

func (c Codec) QuantityToDecimal(q Quantity) decimal.Decimal {
	return c.Quantity.ToDecimal(uint64(q))
}

// levelToFixed converts one (price, quantity) pair.
func (c Codec) levelToFixed(price, quantity string) (Level, error) {
	p, err := c.PriceToFixed(price)
	if err != nil {
		return Level{}, fmt.Errorf("price: %w", err)
	}
	q, err := c.QuantityToFixed(quantity)
	if err != nil {
		return Level{}, fmt.Errorf("quantity: %w", err)
	}
	return Level{Price: p, Quantity: q}, nil
}
