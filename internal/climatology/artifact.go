package climatology

import (
	"errors"
	"fmt"
	"time"

	"github.com/chrissnell/insituqc/internal/types"
)

// ErrMissingField is returned when a stored artifact lacks a persisted field.
var ErrMissingField = errors.New("climatology field not found")

// Field identifies one persisted component of an artifact.
type Field string

const (
	FieldMonthlyMean     Field = "mm_clim"
	FieldMonthlyStd      Field = "ms_clim"
	FieldTrend           Field = "trend"
	FieldFilteredDensity Field = "filtered_density"
)

// Fields lists the persisted fields in storage order.
var Fields = []Field{FieldMonthlyMean, FieldMonthlyStd, FieldTrend, FieldFilteredDensity}

// FieldName returns the persisted name of a field for variable, e.g.
// "sea_water_temperature_mm_clim".
func FieldName(variable string, f Field) string {
	return variable + "_" + string(f)
}

// Artifact is the terminal climatology of a creation run, reloaded by update
// runs in place of recomputing it.
type Artifact struct {
	ID        string    `json:"id" msgpack:"id"`
	Variable  string    `json:"variable" msgpack:"variable"`
	Depths    []float64 `json:"depths" msgpack:"depths"`
	Profile   Profile   `json:"profile" msgpack:"profile"`
	Density   Density   `json:"density" msgpack:"density"`
	StartYear int       `json:"start_year" msgpack:"start_year"`
	MeanYear  int       `json:"mean_year" msgpack:"mean_year"`
	EndYear   int       `json:"end_year" msgpack:"end_year"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
}

// Validate checks that the artifact can be applied to a series on depths levels.
func (a *Artifact) Validate(depths int) error {
	if err := a.Profile.CheckDepths(depths); err != nil {
		return err
	}
	if len(a.Density.Values) != depths {
		return fmt.Errorf("%w: density spans %d levels, want %d", types.ErrShapeMismatch, len(a.Density.Values), depths)
	}
	return nil
}

// SetPeriod records the first, middle and last calendar year of times.
func (a *Artifact) SetPeriod(times []int64) {
	if len(times) == 0 {
		return
	}
	first, last := times[0], times[0]
	for _, t := range times {
		first = min(first, t)
		last = max(last, t)
	}
	a.StartYear = time.Unix(first, 0).UTC().Year()
	a.EndYear = time.Unix(last, 0).UTC().Year()
	a.MeanYear = time.Unix(first+(last-first)/2, 0).UTC().Year()
}

func (a *Artifact) target(f Field) interface{} {
	switch f {
	case FieldMonthlyMean:
		return &a.Profile.Mean
	case FieldMonthlyStd:
		return &a.Profile.Std
	case FieldTrend:
		return &a.Profile.Trend
	case FieldFilteredDensity:
		return &a.Density
	}
	return nil
}

// MarshalFields encodes every persisted field with marshal, keyed by field name.
func (a *Artifact) MarshalFields(marshal func(interface{}) ([]byte, error)) (map[string][]byte, error) {
	out := make(map[string][]byte, len(Fields))
	for _, f := range Fields {
		b, err := marshal(a.target(f))
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", FieldName(a.Variable, f), err)
		}
		out[FieldName(a.Variable, f)] = b
	}
	return out, nil
}

// UnmarshalFields decodes the persisted fields of a.Variable from blobs.
func (a *Artifact) UnmarshalFields(blobs map[string][]byte, unmarshal func([]byte, interface{}) error) error {
	for _, f := range Fields {
		name := FieldName(a.Variable, f)
		b, ok := blobs[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingField, name)
		}
		if err := unmarshal(b, a.target(f)); err != nil {
			return fmt.Errorf("decoding %s: %w", name, err)
		}
	}
	return nil
}
