package otlp

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Number keeps the raw JSON of a numeric field. OTLP/JSON writes 64-bit
// integers as strings and enums as either numbers or names, so every
// accessor accepts a bare number or a quoted string.
type Number []byte

func (n *Number) UnmarshalJSON(data []byte) error {
	*n = append((*n)[:0], data...)
	return nil
}

// Present reports whether the field was sent with a non-null value.
func (n Number) Present() bool {
	trimmed := bytes.TrimSpace(n)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func (n Number) text() (string, bool) {
	if !n.Present() {
		return "", false
	}
	trimmed := bytes.TrimSpace(n)
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return strings.TrimSpace(s), true
	}
	return string(trimmed), true
}

// Int64 parses an integer. Integral floats such as 1e3 are accepted.
func (n Number) Int64() (int64, bool) {
	text, ok := n.text()
	if !ok || text == "" {
		return 0, false
	}
	return parseInt64(text)
}

func parseInt64(text string) (int64, bool) {
	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

// Float64 parses a finite float. NaN and infinities are rejected.
func (n Number) Float64() (float64, bool) {
	text, ok := n.text()
	if !ok || text == "" {
		return 0, false
	}
	return parseFiniteFloat(text)
}

func parseFiniteFloat(text string) (float64, bool) {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Int64s parses an array of integers. Any bad element rejects the array.
func (n Number) Int64s() ([]int64, bool) {
	elems, ok := n.elements()
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, len(elems))
	for _, elem := range elems {
		v, ok := elem.Int64()
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// Float64s parses an array of finite floats. Any bad element rejects the array.
func (n Number) Float64s() ([]float64, bool) {
	elems, ok := n.elements()
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(elems))
	for _, elem := range elems {
		v, ok := elem.Float64()
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

func (n Number) elements() ([]Number, bool) {
	if !n.Present() {
		return nil, false
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(n, &raws); err != nil {
		return nil, false
	}
	out := make([]Number, 0, len(raws))
	for _, raw := range raws {
		out = append(out, Number(raw))
	}
	return out, true
}

// enumName returns the upper-cased string form of an enum sent by name.
func (n Number) enumName() (string, bool) {
	text, ok := n.text()
	if !ok {
		return "", false
	}
	if _, isNumber := parseInt64(text); isNumber {
		return "", false
	}
	return strings.ToUpper(text), true
}

// UnixMilli converts a nanosecond counter to a millisecond timestamp by
// truncating division. Missing, zero and negative counters are not set.
func (n Number) UnixMilli() (time.Time, bool) {
	nanos, ok := n.Int64()
	if !ok || nanos <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(nanos / int64(time.Millisecond)).UTC(), true
}

func int64Ptr(n Number) *int64 {
	v, ok := n.Int64()
	if !ok {
		return nil
	}
	return &v
}

func float64Ptr(n Number) *float64 {
	v, ok := n.Float64()
	if !ok {
		return nil
	}
	return &v
}
