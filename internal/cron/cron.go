package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed five-field cron expression.
type Schedule struct {
	expr        string
	minutes     bitset
	hours       bitset
	daysOfMonth bitset
	months      bitset
	daysOfWeek  bitset
}

// bitset holds integers 0-63.
type bitset uint64

func (b bitset) has(value int) bool { return b&(1<<uint(value)) != 0 }
func (b *bitset) set(value int)     { *b |= 1 << uint(value) }

// Parse parses "minute hour day-of-month month day-of-week".
func Parse(expression string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	specs := []struct {
		name     string
		min, max int
	}{
		{"minute", 0, 59},
		{"hour", 0, 23},
		{"day-of-month", 1, 31},
		{"month", 1, 12},
		{"day-of-week", 0, 6},
	}
	sets := make([]bitset, len(specs))
	for i, spec := range specs {
		set, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return Schedule{}, fmt.Errorf("cron: %s field: %w", spec.name, err)
		}
		sets[i] = set
	}

	return Schedule{
		expr:        strings.Join(fields, " "),
		minutes:     sets[0],
		hours:       sets[1],
		daysOfMonth: sets[2],
		months:      sets[3],
		daysOfWeek:  sets[4],
	}, nil
}

func (s Schedule) String() string { return s.expr }

// Matches reports whether t's minute satisfies the schedule, in t's location.
func (s Schedule) Matches(t time.Time) bool {
	return s.months.has(int(t.Month())) &&
		s.daysOfMonth.has(t.Day()) &&
		s.daysOfWeek.has(int(t.Weekday())) &&
		s.hours.has(t.Hour()) &&
		s.minutes.has(t.Minute())
}

// Next returns the earliest matching minute strictly after t.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	loc := t.Location()
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !s.months.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !s.daysOfMonth.has(t.Day()) || !s.daysOfWeek.has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !s.hours.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if !s.minutes.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cron: %q has no match within 4 years of %s", s.expr, t.Format(time.RFC3339))
}

func parseField(field string, minimum, maximum int) (bitset, error) {
	var result bitset
	for _, term := range strings.Split(field, ",") {
		bits, err := parseTerm(term, minimum, maximum)
		if err != nil {
			return 0, err
		}
		result |= bits
	}
	if result == 0 {
		return 0, fmt.Errorf("field %q produces empty set", field)
	}
	return result, nil
}

// parseTerm parses *, */N, V, V-V, V-V/N.
func parseTerm(term string, minimum, maximum int) (bitset, error) {
	rangeExpr, stepExpr, hasStep := strings.Cut(term, "/")
	step := 1
	if hasStep {
		parsed, err := strconv.Atoi(stepExpr)
		if err != nil {
			return 0, fmt.Errorf("invalid step %q: %w", stepExpr, err)
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("step must be positive, got %d", parsed)
		}
		step = parsed
	}

	var start, end int
	switch {
	case rangeExpr == "*":
		start, end = minimum, maximum
	case strings.Contains(rangeExpr, "-"):
		lo, hi, _ := strings.Cut(rangeExpr, "-")
		var err error
		if start, err = strconv.Atoi(lo); err != nil {
			return 0, fmt.Errorf("invalid range start %q: %w", lo, err)
		}
		if end, err = strconv.Atoi(hi); err != nil {
			return 0, fmt.Errorf("invalid range end %q: %w", hi, err)
		}
		if start > end {
			return 0, fmt.Errorf("range start %d > end %d", start, end)
		}
	default:
		value, err := strconv.Atoi(rangeExpr)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q: %w", rangeExpr, err)
		}
		start, end = value, value
	}

	if start < minimum || end > maximum {
		return 0, fmt.Errorf("value out of range [%d-%d]: got %d-%d", minimum, maximum, start, end)
	}

	var result bitset
	for value := start; value <= end; value += step {
		result.set(value)
	}
	return result, nil
}
