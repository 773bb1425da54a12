// Package format renders result values in Brazilian Portuguese conventions:
// comma as the decimal separator and dot as the thousands separator.
package format

import (
	"fmt"
	"strconv"
	"strings"
)

// Int renders n with dots as thousands separators: 1234 becomes "1.234".
func Int(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	digits := strconv.FormatInt(n, 10)

	var groups []string
	for len(digits) > 3 {
		groups = append([]string{digits[len(digits)-3:]}, groups...)
		digits = digits[:len(digits)-3]
	}
	groups = append([]string{digits}, groups...)

	out := strings.Join(groups, ".")
	if neg {
		out = "-" + out
	}
	return out
}

// Decimal renders v with places fractional digits and a comma separator:
// Decimal(35.42, 1) becomes "35,4".
func Decimal(v float64, places int) string {
	s := strconv.FormatFloat(v, 'f', places, 64)
	return strings.Replace(s, ".", ",", 1)
}

// Percent renders a 0..1 fraction as a percentage with two decimal places:
// Percent(0.245) becomes "24,50%".
func Percent(fraction float64) string {
	return Decimal(fraction*100, 2) + "%"
}

// Value renders v according to the dictionary format name ("percent",
// "decimal_1", "integer"). Unknown formats and non-numeric values fall back
// to plain string rendering; nil means SQL NULL.
func Value(v any, formatName string) string {
	if v == nil {
		return "—"
	}
	f, ok := asFloat(v)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	switch formatName {
	case "percent":
		return Percent(f)
	case "decimal_1":
		return Decimal(f, 1)
	case "decimal_2":
		return Decimal(f, 2)
	case "integer":
		return Int(int64(f))
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int16:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
