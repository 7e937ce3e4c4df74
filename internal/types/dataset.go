package types

import (
	"fmt"
	"sort"
	"strings"
)

// Candidate names for coordinate variables, in lookup order.
var (
	TimeNames  = []string{"time", "TIME"}
	DepthNames = []string{"depth", "DEPH", "DEPTH"}
	LonNames   = []string{"lon", "LONGITUDE", "longitude"}
	LatNames   = []string{"lat", "LATITUDE", "latitude"}
)

// LookupName returns the first candidate accepted by has.
func LookupName(candidates []string, has func(string) bool) (string, bool) {
	for _, name := range candidates {
		if has(name) {
			return name, true
		}
	}
	return "", false
}

// Variable is one measured quantity of a platform.
type Variable struct {
	Name         string `json:"name" msgpack:"name"`
	StandardName string `json:"standard_name" msgpack:"standard_name"`
	Units        string `json:"units,omitempty" msgpack:"units,omitempty"`
	Data         Grid   `json:"data" msgpack:"data"`
}

// Dataset is the array contract exchanged with the file collaborator: one
// platform, a shared time axis and any number of time × depth variables.
type Dataset struct {
	Platform    string               `json:"platform" msgpack:"platform"`
	Institution string               `json:"institution,omitempty" msgpack:"institution,omitempty"`
	Time        []int64              `json:"time" msgpack:"time"`
	Depth       *Grid                `json:"depth,omitempty" msgpack:"depth,omitempty"`
	Lon         []float64            `json:"lon,omitempty" msgpack:"lon,omitempty"`
	Lat         []float64            `json:"lat,omitempty" msgpack:"lat,omitempty"`
	Variables   map[string]*Variable `json:"variables" msgpack:"variables"`
}

// Records returns the length of the time axis.
func (ds *Dataset) Records() int {
	return len(ds.Time)
}

// Slots returns the number of nominal depth slots.
func (ds *Dataset) Slots() int {
	if ds.Depth != nil {
		return ds.Depth.Cols()
	}
	for _, v := range ds.Variables {
		return v.Data.Cols()
	}
	return 0
}

// Validate checks that every array agrees with the time axis and the depth slots.
func (ds *Dataset) Validate() error {
	if len(ds.Time) == 0 {
		return fmt.Errorf("%w: time", ErrMissingVariable)
	}
	rows, cols := ds.Records(), ds.Slots()
	if ds.Depth != nil {
		if err := ds.Depth.CheckShape(rows, cols); err != nil {
			return fmt.Errorf("depth: %w", err)
		}
	}
	for _, name := range ds.VariableNames() {
		if err := ds.Variables[name].Data.CheckShape(rows, cols); err != nil {
			return fmt.Errorf("variable %s: %w", name, err)
		}
	}
	if len(ds.Lon) > 1 && len(ds.Lon) != rows {
		return fmt.Errorf("%w: lon has %d records, want %d", ErrShapeMismatch, len(ds.Lon), rows)
	}
	if len(ds.Lat) > 1 && len(ds.Lat) != rows {
		return fmt.Errorf("%w: lat has %d records, want %d", ErrShapeMismatch, len(ds.Lat), rows)
	}
	return nil
}

// VariableNames returns the variable names in sorted order.
func (ds *Dataset) VariableNames() []string {
	names := make([]string, 0, len(ds.Variables))
	for name := range ds.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FindVariable returns the variable whose standard name matches, falling back
// to the variable keyed by that name.
func (ds *Dataset) FindVariable(standardName string) (*Variable, error) {
	for _, name := range ds.VariableNames() {
		if ds.Variables[name].StandardName == standardName {
			return ds.Variables[name], nil
		}
	}
	if v, ok := ds.Variables[standardName]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: no variable with standard_name %q", ErrMissingVariable, standardName)
}

// IsWaterVariable reports whether the standard name describes a water column
// or surface quantity, for which depths are positive down.
func IsWaterVariable(standardName string) bool {
	return strings.Contains(standardName, "water") || strings.Contains(standardName, "surface")
}

// DepthAxis is the canonical depth list resolved for one platform together
// with the confidence attributes computed while resolving it.
type DepthAxis struct {
	Levels            []float64 `json:"levels" msgpack:"levels"`
	IsConstant        bool      `json:"is_constant" msgpack:"is_constant"`
	IsWellSpaced      bool      `json:"is_well_spaced" msgpack:"is_well_spaced"`
	HasSufficientData bool      `json:"has_sufficient_data" msgpack:"has_sufficient_data"`
	IsPositive        bool      `json:"is_positive" msgpack:"is_positive"`
}

// Empty reports whether no level survived resolution.
func (a DepthAxis) Empty() bool {
	return len(a.Levels) == 0
}
