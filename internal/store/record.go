package store

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chrissnell/insituqc/internal/climatology"
)

// record is the storage layout shared by every backend: artifact metadata
// plus one msgpack blob per persisted field, keyed by field name.
type record struct {
	ID        string            `msgpack:"id"`
	Variable  string            `msgpack:"variable"`
	Depths    []float64         `msgpack:"depths"`
	StartYear int               `msgpack:"start_year"`
	MeanYear  int               `msgpack:"mean_year"`
	EndYear   int               `msgpack:"end_year"`
	CreatedAt time.Time         `msgpack:"created_at"`
	Fields    map[string][]byte `msgpack:"fields"`
}

func newRecord(a *climatology.Artifact) (*record, error) {
	fields, err := a.MarshalFields(msgpack.Marshal)
	if err != nil {
		return nil, err
	}
	return &record{
		ID:        a.ID,
		Variable:  a.Variable,
		Depths:    a.Depths,
		StartYear: a.StartYear,
		MeanYear:  a.MeanYear,
		EndYear:   a.EndYear,
		CreatedAt: a.CreatedAt,
		Fields:    fields,
	}, nil
}

func (r *record) artifact() (*climatology.Artifact, error) {
	a := &climatology.Artifact{
		ID:        r.ID,
		Variable:  r.Variable,
		Depths:    r.Depths,
		StartYear: r.StartYear,
		MeanYear:  r.MeanYear,
		EndYear:   r.EndYear,
		CreatedAt: r.CreatedAt,
	}
	if err := a.UnmarshalFields(r.Fields, msgpack.Unmarshal); err != nil {
		return nil, err
	}
	return a, nil
}
