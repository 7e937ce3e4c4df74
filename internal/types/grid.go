// Package types holds the data model shared by the depth, QC and averaging stages.
package types

import "fmt"

// Grid is a time × depth matrix of samples with a parallel validity mask.
// An invalid cell carries no information; its value is undefined.
type Grid struct {
	Values [][]float64 `json:"values" msgpack:"values"`
	Valid  [][]bool    `json:"valid" msgpack:"valid"`
}

// NewGrid returns a rows × cols grid with every cell invalid.
func NewGrid(rows, cols int) Grid {
	g := Grid{
		Values: make([][]float64, rows),
		Valid:  make([][]bool, rows),
	}
	for t := 0; t < rows; t++ {
		g.Values[t] = make([]float64, cols)
		g.Valid[t] = make([]bool, cols)
	}
	return g
}

// GridFromValues wraps values, marking every cell valid.
func GridFromValues(values [][]float64) Grid {
	g := Grid{Values: values, Valid: make([][]bool, len(values))}
	for t := range values {
		g.Valid[t] = make([]bool, len(values[t]))
		for d := range g.Valid[t] {
			g.Valid[t][d] = true
		}
	}
	return g
}

// Rows returns the number of time records.
func (g Grid) Rows() int {
	return len(g.Values)
}

// Cols returns the number of depth slots.
func (g Grid) Cols() int {
	if len(g.Values) == 0 {
		return 0
	}
	return len(g.Values[0])
}

// Size returns rows × cols.
func (g Grid) Size() int {
	return g.Rows() * g.Cols()
}

// CheckShape verifies that the grid is rectangular with the given shape.
func (g Grid) CheckShape(rows, cols int) error {
	if len(g.Values) != rows || len(g.Valid) != rows {
		return fmt.Errorf("%w: grid has %d/%d rows, want %d", ErrShapeMismatch, len(g.Values), len(g.Valid), rows)
	}
	for t := 0; t < rows; t++ {
		if len(g.Values[t]) != cols || len(g.Valid[t]) != cols {
			return fmt.Errorf("%w: row %d has %d/%d columns, want %d",
				ErrShapeMismatch, t, len(g.Values[t]), len(g.Valid[t]), cols)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (g Grid) Clone() Grid {
	c := Grid{
		Values: make([][]float64, len(g.Values)),
		Valid:  make([][]bool, len(g.Valid)),
	}
	for t := range g.Values {
		c.Values[t] = append([]float64(nil), g.Values[t]...)
		c.Valid[t] = append([]bool(nil), g.Valid[t]...)
	}
	return c
}

// CountValid returns the number of valid cells.
func (g Grid) CountValid() int {
	n := 0
	for t := range g.Valid {
		for _, ok := range g.Valid[t] {
			if ok {
				n++
			}
		}
	}
	return n
}

// CountValidColumn returns the number of valid cells at depth slot d.
func (g Grid) CountValidColumn(d int) int {
	n := 0
	for t := range g.Valid {
		if g.Valid[t][d] {
			n++
		}
	}
	return n
}

// Column returns the values and validity of depth slot d.
func (g Grid) Column(d int) ([]float64, []bool) {
	values := make([]float64, len(g.Values))
	valid := make([]bool, len(g.Values))
	for t := range g.Values {
		values[t] = g.Values[t][d]
		valid[t] = g.Valid[t][d]
	}
	return values, valid
}

// Mask returns a copy of the grid with every cell set in reject marked invalid.
func (g Grid) Mask(reject [][]bool) Grid {
	c := g.Clone()
	for t := range reject {
		for d, bad := range reject[t] {
			if bad {
				c.Valid[t][d] = false
			}
		}
	}
	return c
}

// NewMask allocates a rows × cols boolean matrix.
func NewMask(rows, cols int) [][]bool {
	m := make([][]bool, rows)
	for t := range m {
		m[t] = make([]bool, cols)
	}
	return m
}

// CountMask returns the number of set cells in m.
func CountMask(m [][]bool) int {
	n := 0
	for t := range m {
		for _, v := range m[t] {
			if v {
				n++
			}
		}
	}
	return n
}

// OrMask sets dst[t][d] wherever src[t][d] is set.
func OrMask(dst, src [][]bool) {
	for t := range src {
		for d, v := range src[t] {
			if v {
				dst[t][d] = true
			}
		}
	}
}
