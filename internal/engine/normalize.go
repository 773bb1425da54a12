package engine

import (
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// normalizeValue converts a pgx column value into a JSON-representable
// scalar. SQL NULL stays nil: "no data" is a different fact than zero,
// false, or the empty string. Exact decimals keep their precision by
// becoming strings instead of lossy floats.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case pgtype.Numeric:
		return numericString(val)
	case [16]byte:
		// UUID columns arrive as raw bytes.
		return fmt.Sprintf("%x-%x-%x-%x-%x", val[0:4], val[4:6], val[6:8], val[8:10], val[10:16])
	case []byte:
		return string(val)
	case int8, int16, int32, int64, int, uint8, uint16, uint32, uint64,
		float32, float64, bool, string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// numericString renders a PostgreSQL numeric with its exact decimal value.
func numericString(n pgtype.Numeric) any {
	if !n.Valid {
		return nil
	}
	if n.NaN {
		return "NaN"
	}
	if n.Exp == 0 {
		return n.Int.String()
	}
	if n.Exp > 0 {
		scaled := new(big.Int).Set(n.Int)
		scaled.Mul(scaled, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
		return scaled.String()
	}

	// Negative exponent: place the decimal point without going through a
	// float, so values like credit scores keep every digit.
	digits := n.Int.String()
	negative := false
	if digits[0] == '-' {
		negative = true
		digits = digits[1:]
	}
	scale := int(-n.Exp)
	for len(digits) <= scale {
		digits = "0" + digits
	}
	point := len(digits) - scale
	out := digits[:point] + "." + digits[point:]
	if negative {
		out = "-" + out
	}
	return out
}
