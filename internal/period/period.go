package period

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is the calendar unit a label covers.
type Granularity int

const (
	Day Granularity = iota
	Month
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// ParseGranularity accepts "day" or "month".
func ParseGranularity(value string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "day", "daily":
		return Day, nil
	case "month", "monthly":
		return Month, nil
	default:
		return Day, fmt.Errorf("unsupported period %q (want day or month)", value)
	}
}

func (g Granularity) String() string {
	if g == Month {
		return "month"
	}
	return "day"
}

func (g Granularity) layout() string {
	if g == Month {
		return monthLayout
	}
	return dayLayout
}

// Label identifies one calendar day or month.
type Label struct {
	g     Granularity
	start time.Time
}

// Of returns the label containing t, in t's location.
func Of(g Granularity, t time.Time) Label {
	y, m, d := t.Date()
	if g == Month {
		d = 1
	}
	return Label{g: g, start: time.Date(y, m, d, 0, 0, 0, 0, t.Location())}
}

// Parse reads a label in the layout of g.
func Parse(g Granularity, value string) (Label, error) {
	t, err := time.ParseInLocation(g.layout(), strings.TrimSpace(value), time.Local)
	if err != nil {
		return Label{}, fmt.Errorf("parse %s label %q: %w", g, value, err)
	}
	return Of(g, t), nil
}

// Granularity reports the label's unit.
func (l Label) Granularity() Granularity { return l.g }

// Start returns the first instant of the period.
func (l Label) Start() time.Time { return l.start }

// IsZero reports whether the label was never set.
func (l Label) IsZero() bool { return l.start.IsZero() }

func (l Label) String() string {
	if l.IsZero() {
		return ""
	}
	return l.start.Format(l.g.layout())
}

// Previous steps n periods back. Negative n steps forward.
func (l Label) Previous(n int) Label {
	if l.g == Month {
		return Label{g: l.g, start: l.start.AddDate(0, -n, 0)}
	}
	return Label{g: l.g, start: l.start.AddDate(0, 0, -n)}
}

// Equal compares granularity and start.
func (l Label) Equal(other Label) bool {
	return l.g == other.g && l.start.Equal(other.start)
}

// Tags reports whether a file or directory name belongs to the period:
// either the bare label (capture directory) or a name prefixed with
// "<label>_" (archives and parts).
func (l Label) Tags(name string) bool {
	label := l.String()
	if label == "" {
		return false
	}
	return name == label || strings.HasPrefix(name, label+"_")
}
