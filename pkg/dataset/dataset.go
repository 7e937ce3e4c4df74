// Package dataset reads and writes the platform document exchanged with the
// file collaborator, as JSON or MessagePack. Every array is a records × slots
// matrix in which null marks a missing sample.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chrissnell/insituqc/internal/types"
)

// Format is a document encoding.
type Format int

const (
	JSON Format = iota
	MsgPack
)

func (f Format) String() string {
	if f == MsgPack {
		return "msgpack"
	}
	return "json"
}

// FormatFromPath selects the encoding from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return JSON, nil
	case ".msgpack", ".mpk":
		return MsgPack, nil
	default:
		return JSON, fmt.Errorf("unsupported dataset extension %q", filepath.Ext(path))
	}
}

// Document is the wire form of a types.Dataset.
type Document struct {
	Platform    string            `json:"platform_code"`
	Institution string            `json:"institution,omitempty"`
	Variables   map[string]*Field `json:"variables"`
}

// Field is one named array of the document.
type Field struct {
	StandardName string       `json:"standard_name,omitempty"`
	Units        string       `json:"units,omitempty"`
	Data         [][]*float64 `json:"data"`
}

func (doc *Document) has(name string) bool {
	_, ok := doc.Variables[name]
	return ok
}

// Decode reads a document from r.
func Decode(r io.Reader, format Format) (*types.Dataset, error) {
	var doc Document
	switch format {
	case MsgPack:
		dec := msgpack.NewDecoder(r)
		dec.SetCustomStructTag("json")
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode msgpack dataset: %w", err)
		}
	default:
		if err := json.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode json dataset: %w", err)
		}
	}
	return doc.Dataset()
}

// Encode writes ds to w.
func Encode(w io.Writer, format Format, ds *types.Dataset) error {
	doc := FromDataset(ds)
	switch format {
	case MsgPack:
		enc := msgpack.NewEncoder(w)
		enc.SetCustomStructTag("json")
		return enc.Encode(doc)
	default:
		enc := json.NewEncoder(w)
		return enc.Encode(doc)
	}
}

// ReadFile decodes the dataset at path, choosing the format by extension.
func ReadFile(path string) (*types.Dataset, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ds, err := Decode(bufio.NewReader(f), format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// WriteFile encodes ds to path, choosing the format by extension.
func WriteFile(path string, ds *types.Dataset) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := Encode(w, format, ds); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Dataset converts the document, resolving the coordinate arrays by their
// conventional names. A time array is required.
func (doc *Document) Dataset() (*types.Dataset, error) {
	timeName, ok := types.LookupName(types.TimeNames, doc.has)
	if !ok {
		return nil, fmt.Errorf("%w: time", types.ErrMissingVariable)
	}
	times, err := doc.Variables[timeName].times()
	if err != nil {
		return nil, err
	}

	ds := &types.Dataset{
		Platform:    doc.Platform,
		Institution: doc.Institution,
		Time:        times,
		Variables:   make(map[string]*types.Variable),
	}
	coordinates := map[string]bool{timeName: true}

	if name, ok := types.LookupName(types.DepthNames, doc.has); ok {
		depth := doc.Variables[name].grid()
		if depth.Rows() == 1 && len(times) > 1 {
			depth = broadcast(depth, len(times))
		}
		ds.Depth = &depth
		coordinates[name] = true
	}
	if name, ok := types.LookupName(types.LonNames, doc.has); ok {
		ds.Lon = doc.Variables[name].column()
		coordinates[name] = true
	}
	if name, ok := types.LookupName(types.LatNames, doc.has); ok {
		ds.Lat = doc.Variables[name].column()
		coordinates[name] = true
	}

	for name, f := range doc.Variables {
		if coordinates[name] {
			continue
		}
		ds.Variables[name] = &types.Variable{
			Name:         name,
			StandardName: f.StandardName,
			Units:        f.Units,
			Data:         f.grid(),
		}
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// FromDataset converts ds to its wire form.
func FromDataset(ds *types.Dataset) *Document {
	doc := &Document{
		Platform:    ds.Platform,
		Institution: ds.Institution,
		Variables:   make(map[string]*Field, len(ds.Variables)+4),
	}
	timeData := make([][]*float64, len(ds.Time))
	for t, v := range ds.Time {
		timeData[t] = []*float64{value(float64(v))}
	}
	doc.Variables["time"] = &Field{StandardName: "time", Units: "seconds since 1970-01-01T00:00:00Z", Data: timeData}
	if ds.Depth != nil {
		doc.Variables["depth"] = &Field{StandardName: "depth", Units: "m", Data: fromGrid(*ds.Depth)}
	}
	if len(ds.Lon) > 0 {
		doc.Variables["lon"] = &Field{StandardName: "longitude", Units: "degrees_east", Data: fromColumn(ds.Lon)}
	}
	if len(ds.Lat) > 0 {
		doc.Variables["lat"] = &Field{StandardName: "latitude", Units: "degrees_north", Data: fromColumn(ds.Lat)}
	}
	for name, v := range ds.Variables {
		doc.Variables[name] = &Field{StandardName: v.StandardName, Units: v.Units, Data: fromGrid(v.Data)}
	}
	return doc
}

func (f *Field) times() ([]int64, error) {
	out := make([]int64, len(f.Data))
	for t, row := range f.Data {
		if len(row) == 0 || row[0] == nil || math.IsNaN(*row[0]) {
			return nil, fmt.Errorf("missing timestamp at record %d", t)
		}
		out[t] = int64(math.Round(*row[0]))
	}
	return out, nil
}

func (f *Field) grid() types.Grid {
	cols := 0
	for _, row := range f.Data {
		cols = max(cols, len(row))
	}
	g := types.NewGrid(len(f.Data), cols)
	for t, row := range f.Data {
		for d, v := range row {
			if v != nil && !math.IsNaN(*v) {
				g.Values[t][d] = *v
				g.Valid[t][d] = true
			}
		}
	}
	return g
}

// column returns the first entry of every record, NaN where missing.
func (f *Field) column() []float64 {
	out := make([]float64, len(f.Data))
	for t, row := range f.Data {
		out[t] = math.NaN()
		if len(row) > 0 && row[0] != nil {
			out[t] = *row[0]
		}
	}
	return out
}

func broadcast(g types.Grid, rows int) types.Grid {
	out := types.NewGrid(rows, g.Cols())
	for t := 0; t < rows; t++ {
		copy(out.Values[t], g.Values[0])
		copy(out.Valid[t], g.Valid[0])
	}
	return out
}

func fromGrid(g types.Grid) [][]*float64 {
	out := make([][]*float64, g.Rows())
	for t := range out {
		out[t] = make([]*float64, len(g.Values[t]))
		for d, v := range g.Values[t] {
			if g.Valid[t][d] && !math.IsNaN(v) {
				out[t][d] = value(v)
			}
		}
	}
	return out
}

func fromColumn(values []float64) [][]*float64 {
	out := make([][]*float64, len(values))
	for t, v := range values {
		if math.IsNaN(v) {
			out[t] = []*float64{nil}
		} else {
			out[t] = []*float64{value(v)}
		}
	}
	return out
}

func value(v float64) *float64 {
	return &v
}
