package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Trade dates are stored canonically as YYYYMMDD strings. Upstream sources
// and older database rows sometimes carry YYYY-MM-DD, so readers normalize.
const (
	DateLayout       = "20060102"
	DateLayoutDashed = "2006-01-02"
)

// NormalizeDate converts a date in either supported layout to YYYYMMDD.
func NormalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty date")
	}
	if strings.Contains(s, "-") {
		t, err := time.Parse(DateLayoutDashed, s)
		if err != nil {
			return "", fmt.Errorf("invalid date %q: %w", s, err)
		}
		return t.Format(DateLayout), nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t.Format(DateLayout), nil
}

// DashedDate converts a YYYYMMDD date to YYYY-MM-DD. Input already in dashed
// form passes through unchanged.
func DashedDate(s string) string {
	if strings.Contains(s, "-") {
		return s
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return s
	}
	return t.Format(DateLayoutDashed)
}

// ParseDate parses a date in either supported layout.
func ParseDate(s string) (time.Time, error) {
	normalized, err := NormalizeDate(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(DateLayout, normalized)
}

// IsValidDate reports whether s parses in either supported layout.
func IsValidDate(s string) bool {
	_, err := ParseDate(s)
	return err == nil
}

// AddDays returns the date n calendar days after (or before, for negative n)
// the given date, in YYYYMMDD form.
func AddDays(date string, n int) (string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, n).Format(DateLayout), nil
}

// CompareDates returns -1, 0 or 1 as a is before, equal to or after b.
// Both layouts are accepted on either side.
func CompareDates(a, b string) (int, error) {
	ta, err := ParseDate(a)
	if err != nil {
		return 0, err
	}
	tb, err := ParseDate(b)
	if err != nil {
		return 0, err
	}
	switch {
	case ta.Before(tb):
		return -1, nil
	case ta.After(tb):
		return 1, nil
	default:
		return 0, nil
	}
}

// DaysBetween returns the number of calendar days from a to b. Negative when
// b is before a.
func DaysBetween(a, b string) (int, error) {
	ta, err := ParseDate(a)
	if err != nil {
		return 0, err
	}
	tb, err := ParseDate(b)
	if err != nil {
		return 0, err
	}
	return int(tb.Sub(ta).Hours() / 24), nil
}

// DateAsInt returns the YYYYMMDD date as an integer, for deterministic
// per-date arithmetic such as candidate batch rotation. Returns 0 for
// unparseable input.
func DateAsInt(s string) int {
	normalized, err := NormalizeDate(s)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(normalized)
	if err != nil {
		return 0
	}
	return n
}

// Today returns the current date in YYYYMMDD form.
func Today() string {
	return time.Now().Format(DateLayout)
}

// DateRange returns every calendar date from start to end inclusive, in
// YYYYMMDD form. Returns an error when end is before start.
func DateRange(start, end string) ([]string, error) {
	ts, err := ParseDate(start)
	if err != nil {
		return nil, err
	}
	te, err := ParseDate(end)
	if err != nil {
		return nil, err
	}
	if te.Before(ts) {
		return nil, fmt.Errorf("end date %s before start date %s", end, start)
	}

	var dates []string
	for t := ts; !t.After(te); t = t.AddDate(0, 0, 1) {
		dates = append(dates, t.Format(DateLayout))
	}
	return dates, nil
}
