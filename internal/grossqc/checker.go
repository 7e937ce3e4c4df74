package grossqc

import (
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/chrissnell/insituqc/internal/log"
	"github.com/chrissnell/insituqc/internal/types"
)

// Params toggles the tests and holds their thresholds.
type Params struct {
	RangeCheck     bool
	SpikeTest      bool
	StuckValueTest bool

	// SpikeNeighbours is the number of valid neighbours taken on each side.
	SpikeNeighbours int
	// SpikeMultiplier scales the neighbourhood range into the spike threshold.
	SpikeMultiplier float64

	// StuckMinimumCount is the count a value must exceed to be stuck.
	StuckMinimumCount int
	// StuckNeighbours is the half-width, in ranks, of the histogram neighbourhood.
	StuckNeighbours int
	// StuckMultiplier is how many times the neighbourhood peak a count must exceed.
	StuckMultiplier float64
}

// DefaultParams enables every test with the standard thresholds.
func DefaultParams() Params {
	return Params{
		RangeCheck:        true,
		SpikeTest:         true,
		StuckValueTest:    true,
		SpikeNeighbours:   3,
		SpikeMultiplier:   2,
		StuckMinimumCount: 100,
		StuckNeighbours:   100,
		StuckMultiplier:   5,
	}
}

// Result holds the reject masks of one run. The per-test masks are disjoint:
// each test only judges samples that survived the tests before it.
type Result struct {
	Rejected [][]bool
	Range    [][]bool
	Spike    [][]bool
	Stuck    [][]bool
}

// Counts returns the number of samples rejected by each test.
func (r Result) Counts() (rangeCount, spikeCount, stuckCount int) {
	return types.CountMask(r.Range), types.CountMask(r.Spike), types.CountMask(r.Stuck)
}

// Checker runs the gross tests. It keeps no state between runs.
type Checker struct {
	table  Table
	params Params
	logger *zap.SugaredLogger
}

// NewChecker creates a checker. A nil logger discards output.
func NewChecker(table Table, params Params, logger *zap.SugaredLogger) *Checker {
	return &Checker{table: table, params: params, logger: log.OrNop(logger)}
}

// Run applies the enabled tests to values. variable is the standard name
// selecting the range and institution selects stuck value exceptions.
func (c *Checker) Run(values types.Grid, variable, institution string) Result {
	rows, cols := values.Rows(), values.Cols()
	res := Result{
		Rejected: types.NewMask(rows, cols),
		Range:    types.NewMask(rows, cols),
		Spike:    types.NewMask(rows, cols),
		Stuck:    types.NewMask(rows, cols),
	}

	current := values
	if c.params.RangeCheck {
		if r, ok := c.table.Range(variable); ok {
			c.rangeCheck(current, r, res.Range)
			current = current.Mask(res.Range)
		} else {
			c.logger.Warnf("no range configured for %s, range check skipped", variable)
		}
	}
	if c.params.SpikeTest {
		c.spikeTest(current, res.Spike)
		current = current.Mask(res.Spike)
	}
	if c.params.StuckValueTest {
		c.stuckTest(current, c.table.ExtraStuckValues(institution, variable), res.Stuck)
	}

	for _, m := range [][][]bool{res.Range, res.Spike, res.Stuck} {
		types.OrMask(res.Rejected, m)
	}
	rangeCount, spikeCount, stuckCount := res.Counts()
	c.logger.Infow("gross check",
		"variable", variable,
		"range", rangeCount,
		"spike", spikeCount,
		"stuck", stuckCount,
	)
	return res
}

func (c *Checker) rangeCheck(values types.Grid, r Range, reject [][]bool) {
	for t := range values.Values {
		for d, v := range values.Values[t] {
			if values.Valid[t][d] && !r.Contains(v) {
				reject[t][d] = true
			}
		}
	}
}

// spikeTest compares every sample with the average of its nearest valid
// neighbours, skipping masked records, and rejects it when the distance
// exceeds SpikeMultiplier times the neighbourhood range.
func (c *Checker) spikeTest(values types.Grid, reject [][]bool) {
	k := c.params.SpikeNeighbours
	if k <= 0 {
		return
	}
	neighbours := make([]float64, 0, 2*k)
	for d := 0; d < values.Cols(); d++ {
		column, valid := values.Column(d)
		for t, v := range column {
			if !valid[t] {
				continue
			}
			neighbours = neighbours[:0]
			for i, n := t-1, 0; i >= 0 && n < k; i-- {
				if valid[i] {
					neighbours = append(neighbours, column[i])
					n++
				}
			}
			for i, n := t+1, 0; i < len(column) && n < k; i++ {
				if valid[i] {
					neighbours = append(neighbours, column[i])
					n++
				}
			}
			if len(neighbours) < 2*k {
				continue
			}
			avg := floats.Sum(neighbours) / float64(len(neighbours))
			spread := floats.Max(neighbours) - floats.Min(neighbours)
			if math.Abs(v-avg) > c.params.SpikeMultiplier*spread {
				reject[t][d] = true
			}
		}
	}
}

// stuckTest histograms the distinct values of every depth slot and flags the
// values whose count dominates their rank neighbourhood. extra values are
// flagged whenever they occur.
func (c *Checker) stuckTest(values types.Grid, extra []float64, reject [][]bool) {
	for d := 0; d < values.Cols(); d++ {
		column, valid := values.Column(d)

		counts := make(map[float64]int)
		for t, v := range column {
			if valid[t] {
				counts[v]++
			}
		}
		if len(counts) == 0 {
			continue
		}
		unique := make([]float64, 0, len(counts))
		for v := range counts {
			unique = append(unique, v)
		}
		sort.Float64s(unique)

		stuck := make(map[float64]bool)
		for i, v := range unique {
			n := counts[v]
			if n <= c.params.StuckMinimumCount {
				continue
			}
			peak := 0
			lo := max(0, i-c.params.StuckNeighbours)
			hi := min(len(unique)-1, i+c.params.StuckNeighbours)
			for j := lo; j <= hi; j++ {
				if j != i && counts[unique[j]] > peak {
					peak = counts[unique[j]]
				}
			}
			if float64(n) > c.params.StuckMultiplier*float64(peak) {
				stuck[v] = true
			}
		}
		for _, v := range extra {
			if counts[v] > 0 {
				stuck[v] = true
			}
		}
		if len(stuck) == 0 {
			continue
		}
		c.logger.Debugf("depth slot %d: stuck values %v", d, keys(stuck))
		for t, v := range column {
			if valid[t] && stuck[v] {
				reject[t][d] = true
			}
		}
	}
}

func keys(m map[float64]bool) []float64 {
	out := make([]float64, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}
