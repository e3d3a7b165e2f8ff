package model

import (
	"encoding/json"
	"fmt"

	"candlexpr/internal/apperr"
)

// Candle is a single OHLC bar: kline start time in epoch milliseconds plus
// open/close/high/low prices. Two candles may only be combined by the
// algebra below when their T fields are equal.
type Candle struct {
	T uint64  `json:"t"`
	O float64 `json:"o"`
	C float64 `json:"c"`
	H float64 `json:"h"`
	L float64 `json:"l"`
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

func assertTimestamps(a, b Candle) error {
	if a.T != b.T {
		return fmt.Errorf("candle algebra: t=%d vs t=%d: %w", a.T, b.T, apperr.ErrMismatchedTimestamps)
	}
	return nil
}

// Add returns the field-wise sum of a and b. Both candles must share T.
func Add(a, b Candle) (Candle, error) {
	if err := assertTimestamps(a, b); err != nil {
		return Candle{}, err
	}
	return Candle{T: a.T, O: a.O + b.O, C: a.C + b.C, H: a.H + b.H, L: a.L + b.L}, nil
}

// Sub returns the field-wise difference a - b. Both candles must share T.
func Sub(a, b Candle) (Candle, error) {
	if err := assertTimestamps(a, b); err != nil {
		return Candle{}, err
	}
	return Candle{T: a.T, O: a.O - b.O, C: a.C - b.C, H: a.H - b.H, L: a.L - b.L}, nil
}

// Mul returns the field-wise product a * b. Both candles must share T.
func Mul(a, b Candle) (Candle, error) {
	if err := assertTimestamps(a, b); err != nil {
		return Candle{}, err
	}
	return Candle{T: a.T, O: a.O * b.O, C: a.C * b.C, H: a.H * b.H, L: a.L * b.L}, nil
}

// Div returns the field-wise quotient a / b. Fails with ErrDivisionByZero if
// any field of b is exactly 0.0, checked before the timestamp assertion (so
// a zero-RHS-field error always takes precedence, matching the original
// candle server). No NaN/Inf gating beyond that.
func Div(a, b Candle) (Candle, error) {
	if b.O == 0.0 || b.C == 0.0 || b.H == 0.0 || b.L == 0.0 {
		return Candle{}, apperr.ErrDivisionByZero
	}
	if err := assertTimestamps(a, b); err != nil {
		return Candle{}, err
	}
	return Candle{T: a.T, O: a.O / b.O, C: a.C / b.C, H: a.H / b.H, L: a.L / b.L}, nil
}

// Apply dispatches to the algebra operation named by op.
func Apply(op Operator, a, b Candle) (Candle, error) {
	switch op {
	case OpPlus:
		return Add(a, b)
	case OpMinus:
		return Sub(a, b)
	case OpMultiply:
		return Mul(a, b)
	case OpDivide:
		return Div(a, b)
	default:
		return Candle{}, fmt.Errorf("candle algebra: unknown operator %q: %w", op, apperr.ErrInvalidMessage)
	}
}
