package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var rePrice = regexp.MustCompile(`\d[\d.,]*`)

// ParsePrice returns the first currency-like number in text, or nil. Both
// "1,299.99" and "1.299,99" read as 1299.99: when both separators appear
// the last one is the decimal mark. A lone separator followed by exactly
// three digits groups thousands ("1.299" is 1299), otherwise it is the
// decimal mark ("19,99").
//
//	"$1,299.99" -> 1299.99
//	"EUR 15"    -> 15
//	"call us"   -> nil
func ParsePrice(text string) *float64 {
	m := strings.TrimRight(rePrice.FindString(text), ".,")
	if m == "" {
		return nil
	}
	v, err := strconv.ParseFloat(normalizeNumber(m), 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

// normalizeNumber rewrites s to plain "1299.99" form.
func normalizeNumber(s string) string {
	last := strings.LastIndexAny(s, ".,")
	if last < 0 {
		return s
	}
	mark := s[last]
	group := byte(',')
	if mark == ',' {
		group = '.'
	}
	if strings.IndexByte(s, group) < 0 {
		// Only one kind of separator.
		repeated := strings.IndexByte(s, mark) != last
		thousands := len(s)-last-1 == 3 && s[:last] != "0"
		if repeated || thousands {
			return strings.ReplaceAll(s, string(mark), "")
		}
	}
	s = strings.ReplaceAll(s, string(group), "")
	return strings.Replace(s, string(mark), ".", 1)
}
