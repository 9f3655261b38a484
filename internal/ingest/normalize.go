package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Amount is a parsed funding range. Either bound may be nil.
type Amount struct {
	Min      *float64
	Max      *float64
	Currency string
}

var (
	numberPattern = regexp.MustCompile(`(?i)(\d(?:[\d,.]*\d)?)\s*(k|m|bn|thousand|million|billion)?\b`)
	upToPattern   = regexp.MustCompile(`(?i)\b(up to|max(imum)?|not to exceed|no more than)\b`)
	fromPattern   = regexp.MustCompile(`(?i)\b(from|at least|min(imum)?|starting at)\b`)
	orMorePattern = regexp.MustCompile(`(?i)^\s*(\+|or more\b|and (up|above)\b)`)
	orLessPattern = regexp.MustCompile(`(?i)^\s*(or less\b|max(imum)?\b)`)
	rangePattern  = regexp.MustCompile(`(?i)^\s*(-|–|—|to|and)\s*$`)
	codePattern   = regexp.MustCompile(`\b(USD|EUR|GBP|CAD|AUD|CHF|JPY|NZD)\b`)
	leadingCode   = regexp.MustCompile(`^\s*(USD|EUR|GBP|CAD|AUD|CHF|JPY|NZD)\b`)
	trailingCode  = regexp.MustCompile(`\b(USD|EUR|GBP|CAD|AUD|CHF|JPY|NZD)\s*$`)
	euroNumber    = regexp.MustCompile(`^\d{1,3}(\.\d{3})+(,\d+)?$|^\d+,\d{1,2}$`)
	datePrefix    = regexp.MustCompile(`(?i)^\s*(application deadline|deadline|due date|due|closing date|closes on|closes|close|apply by|applications due)\s*(on)?\s*[:\-]?\s*`)
)

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
}

var multipliers = map[string]float64{
	"k":        1e3,
	"thousand": 1e3,
	"m":        1e6,
	"million":  1e6,
	"bn":       1e9,
	"billion":  1e9,
}

// number is one numeric token found in an amount string.
type number struct {
	value      float64
	mult       float64
	money      bool
	start, end int
}

// ParseAmount reads funding strings such as "$10,000 - $50,000",
// "Up to $25k", "€1.5 million" or "USD 5000". Two numbers form a range only
// when a separator ("-", "to", "and") joins them; otherwise the first
// currency-marked number is the amount and counts such as "over 2 years" are
// ignored. With EUR, "." groups thousands and "," marks decimals. Text
// without a number yields the zero Amount.
func ParseAmount(s string) Amount {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}
	}
	cur := currency(s)
	nums := numbers(s, cur)
	if len(nums) == 0 {
		return Amount{}
	}
	out := Amount{Currency: cur}

	if lo, hi, ok := amountRange(s, nums); ok {
		out.Min, out.Max = &lo, &hi
		return out
	}

	n := nums[0]
	for _, c := range nums {
		if c.money {
			n = c
			break
		}
	}
	v := n.value
	prefix, suffix := s[:n.start], s[n.end:]
	switch {
	case upToPattern.MatchString(prefix) || orLessPattern.MatchString(suffix):
		out.Max = &v
	case fromPattern.MatchString(prefix) || orMorePattern.MatchString(suffix):
		out.Min = &v
	default:
		lo, hi := v, v
		out.Min, out.Max = &lo, &hi
	}
	return out
}

func numbers(s, cur string) []number {
	var out []number
	for _, m := range numberPattern.FindAllStringSubmatchIndex(s, -1) {
		raw := s[m[2]:m[3]]
		v, err := parseNumber(raw, cur)
		if err != nil {
			continue
		}
		n := number{value: v, mult: 1, start: m[0], end: m[1]}
		if m[4] >= 0 {
			n.mult = multipliers[strings.ToLower(s[m[4]:m[5]])]
			n.value = v * n.mult
		}
		n.money = m[4] >= 0 || currencyBefore(s[:m[0]]) || trailingCode.MatchString(s[:m[0]]) || leadingCode.MatchString(s[m[1]:])
		out = append(out, n)
	}
	return out
}

func parseNumber(raw, cur string) (float64, error) {
	if cur == "EUR" && euroNumber.MatchString(raw) {
		raw = strings.ReplaceAll(raw, ".", "")
		raw = strings.ReplaceAll(raw, ",", ".")
	} else {
		raw = strings.ReplaceAll(raw, ",", "")
	}
	return strconv.ParseFloat(raw, 64)
}

func currencyBefore(prefix string) bool {
	prefix = strings.TrimRight(prefix, " ")
	for sym := range currencySymbols {
		if strings.HasSuffix(prefix, sym) {
			return true
		}
	}
	return false
}

// amountRange returns the first pair of adjacent numbers joined by a range
// separator. An unmarked upper bound smaller than the lower one is a count,
// not a bound. A bare lower bound below the upper one's mantissa takes its
// multiplier, so "$1-2 million" reads as one to two million.
func amountRange(s string, nums []number) (lo, hi float64, ok bool) {
	for i := 0; i+1 < len(nums); i++ {
		a, b := nums[i], nums[i+1]
		between := stripCurrency(s[a.end:b.start])
		if !rangePattern.MatchString(between) {
			continue
		}
		if !b.money && hasMoney(nums) && (!a.money || b.value < a.value) {
			continue
		}
		lo, hi = a.value, b.value
		if a.mult == 1 && b.mult > 1 && a.value <= b.value/b.mult {
			lo *= b.mult
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		return lo, hi, true
	}
	return 0, 0, false
}

func hasMoney(nums []number) bool {
	for _, n := range nums {
		if n.money {
			return true
		}
	}
	return false
}

func stripCurrency(s string) string {
	for sym := range currencySymbols {
		s = strings.ReplaceAll(s, sym, "")
	}
	return codePattern.ReplaceAllString(s, "")
}

func currency(s string) string {
	if code := codePattern.FindString(strings.ToUpper(s)); code != "" {
		return code
	}
	for sym, code := range currencySymbols {
		if strings.Contains(s, sym) {
			return code
		}
	}
	return ""
}

// ParseDeadline strips labels like "Deadline:" and returns the calendar date
// in UTC, or nil when the text is not a date ("Rolling", "TBD").
func ParseDeadline(s string) *time.Time {
	s = strings.TrimSpace(datePrefix.ReplaceAllString(s, ""))
	s = strings.TrimRight(s, ".")
	if s == "" {
		return nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return nil
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
