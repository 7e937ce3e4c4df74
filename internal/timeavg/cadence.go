// Package timeavg computes time-weighted period means of a cleaned series.
package timeavg

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// monthSeconds is the nominal month used to compare sampling steps.
	monthSeconds = 30 * 86400
)

// Cadence is an output averaging period: either a fixed duration or a number
// of calendar months.
type Cadence struct {
	Seconds int64
	Months  int
}

// ParseCadence parses "HH:MM" or "HH:MM:SS" durations and plain month counts
// such as "1" or "12".
func ParseCadence(s string) (Cadence, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ":") {
		months, err := strconv.Atoi(s)
		if err != nil || months <= 0 {
			return Cadence{}, fmt.Errorf("invalid cadence %q: want HH:MM:SS or a positive month count", s)
		}
		return Cadence{Months: months}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return Cadence{}, fmt.Errorf("invalid cadence %q: want HH:MM:SS", s)
	}
	var seconds int64
	units := []int64{3600, 60, 1}
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return Cadence{}, fmt.Errorf("invalid cadence %q: %q is not a non-negative integer", s, p)
		}
		seconds += n * units[i]
	}
	if seconds <= 0 {
		return Cadence{}, fmt.Errorf("invalid cadence %q: duration must be positive", s)
	}
	return Cadence{Seconds: seconds}, nil
}

// Monthly reports whether the cadence counts calendar months.
func (c Cadence) Monthly() bool {
	return c.Months > 0
}

// Annual reports whether the cadence is a calendar year.
func (c Cadence) Annual() bool {
	return c.Months == 12
}

// Step returns the nominal length of the period in seconds.
func (c Cadence) Step() int64 {
	if c.Monthly() {
		return int64(c.Months) * monthSeconds
	}
	return c.Seconds
}

func (c Cadence) String() string {
	if c.Monthly() {
		return fmt.Sprintf("%d months", c.Months)
	}
	return (time.Duration(c.Seconds) * time.Second).String()
}

// floor truncates t to the coarsest calendar unit that divides the cadence
// description: minutes, hours or days for fixed periods, the first of the
// month or year for monthly ones.
func (c Cadence) floor(t time.Time) time.Time {
	t = t.UTC()
	switch {
	case c.Annual():
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	case c.Monthly():
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case c.Seconds%86400 == 0:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case c.Seconds%3600 == 0:
		return t.Truncate(time.Hour)
	case c.Seconds%60 == 0:
		return t.Truncate(time.Minute)
	default:
		return t.Truncate(time.Second)
	}
}

// next returns the left bound following left.
func (c Cadence) next(left time.Time) time.Time {
	if c.Monthly() {
		return left.AddDate(0, c.Months, 0)
	}
	return left.Add(time.Duration(c.Seconds) * time.Second)
}

// centre returns the timestamp representing the bucket [left, right).
func (c Cadence) centre(left, right time.Time) time.Time {
	switch {
	case c.Annual():
		return left.AddDate(0, 0, 182)
	case c.Monthly():
		return left.AddDate(0, 0, 14)
	default:
		return left.Add(right.Sub(left) / 2)
	}
}
