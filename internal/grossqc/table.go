// Package grossqc implements the single-pass gross error tests applied to a
// time × depth series before any statistical phase: range check, spike test
// and stuck value test.
package grossqc

import "strings"

// Range is the accepted interval of a variable, bounds included.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// StuckException forces Value to be treated as stuck for a sensor family,
// identified by a substring of the institution name and a variable.
type StuckException struct {
	Institution string  `json:"institution" yaml:"institution"`
	Variable    string  `json:"variable" yaml:"variable"`
	Value       float64 `json:"value" yaml:"value"`
}

// Matches reports whether the exception applies to a series.
func (e StuckException) Matches(institution, variable string) bool {
	return e.Variable == variable && e.Institution != "" && strings.Contains(institution, e.Institution)
}

// Table holds the variable-specific limits used by the gross tests.
type Table struct {
	// Ranges maps a variable standard name to its accepted interval.
	Ranges map[string]Range

	StuckExceptions []StuckException
}

// DefaultTable returns the limits tuned for Mediterranean moorings.
func DefaultTable() Table {
	return Table{
		Ranges: map[string]Range{
			"sea_water_practical_salinity": {Min: 5, Max: 41},
			"sea_water_temperature":        {Min: 4, Max: 32},
		},
		StuckExceptions: []StuckException{
			{Institution: "ISPRA", Variable: "sea_water_temperature", Value: 20.0},
		},
	}
}

// Range returns the interval of variable, if one is tuned.
func (t Table) Range(variable string) (Range, bool) {
	r, ok := t.Ranges[variable]
	return r, ok
}

// ExtraStuckValues returns the literals always treated as stuck for a series.
func (t Table) ExtraStuckValues(institution, variable string) []float64 {
	var out []float64
	for _, e := range t.StuckExceptions {
		if e.Matches(institution, variable) {
			out = append(out, e.Value)
		}
	}
	return out
}
