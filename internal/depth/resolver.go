package depth

import (
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/insituqc/internal/log"
	"github.com/chrissnell/insituqc/internal/types"
)

// Resolver computes the canonical depth axis of a platform.
type Resolver struct {
	params Params
	logger *zap.SugaredLogger
}

// NewResolver creates a resolver. A nil logger discards output.
func NewResolver(params Params, logger *zap.SugaredLogger) *Resolver {
	return &Resolver{params: params, logger: log.OrNop(logger)}
}

// Resolve returns the canonical, ascending depth levels of ds. standardName
// selects the sign convention: for water and surface quantities negative
// levels are dropped. An axis without levels is not an error; callers treat
// it as "no usable depth axis".
func (r *Resolver) Resolve(ds *types.Dataset, standardName string) (types.DepthAxis, error) {
	if ds.Depth == nil {
		// surface-only dataset
		return types.DepthAxis{
			Levels:            []float64{0},
			IsConstant:        true,
			IsWellSpaced:      true,
			HasSufficientData: true,
			IsPositive:        true,
		}, nil
	}
	if err := ds.Validate(); err != nil {
		return types.DepthAxis{}, err
	}

	depths := r.params.cleanDepths(*ds.Depth)
	axis := types.DepthAxis{IsConstant: isConstant(depths)}

	values, counts := uniqueDepths(depths)
	if len(values) == 0 {
		r.logger.Warnf("platform %s: no valid depth value", ds.Platform)
		return axis, nil
	}
	r.logger.Debugf("platform %s: %d unique depth values %v", ds.Platform, len(values), truncate(values, 50))

	axis.IsWellSpaced = r.wellSpaced(values)
	candidates := values
	if !axis.IsWellSpaced {
		candidates = r.merge(values, counts)
		r.logger.Debugf("platform %s: merged depth levels %v", ds.Platform, candidates)
	}

	coverage, sufficient := r.coverage(ds, depths, candidates)
	axis.HasSufficientData = sufficient

	axis.IsPositive = true
	for _, c := range candidates {
		if c < 0 {
			axis.IsPositive = false
			break
		}
	}

	minimum := float64(ds.Records()) * r.params.FilledDataThreshold
	dropNegative := types.IsWaterVariable(standardName) && !axis.IsPositive
	var levels []float64
	for i, c := range candidates {
		if float64(coverage[i]) < minimum {
			r.logger.Debugf("platform %s: dropping level %.2f m, %d records with data", ds.Platform, c, coverage[i])
			continue
		}
		if dropNegative && c < 0 {
			continue
		}
		level := roundTo(c, 1)
		if len(levels) > 0 && levels[len(levels)-1] == level {
			continue
		}
		levels = append(levels, level)
	}
	axis.Levels = levels

	r.logger.Infow("resolved depth axis",
		"platform", ds.Platform,
		"levels", levels,
		"constant", axis.IsConstant,
		"well_spaced", axis.IsWellSpaced,
		"sufficient_data", axis.HasSufficientData,
		"positive", axis.IsPositive,
	)
	return axis, nil
}

// isConstant reports whether every nominal slot keeps a single depth value.
func isConstant(depths types.Grid) bool {
	for d := 0; d < depths.Cols(); d++ {
		first, seen := 0.0, false
		for t := 0; t < depths.Rows(); t++ {
			if !depths.Valid[t][d] {
				continue
			}
			v := depths.Values[t][d]
			if !seen {
				first, seen = v, true
				continue
			}
			if v != first {
				return false
			}
		}
	}
	return true
}

// uniqueDepths returns the sorted distinct valid depths and their counts.
func uniqueDepths(depths types.Grid) ([]float64, []float64) {
	counts := make(map[float64]int)
	for t := range depths.Values {
		for d, v := range depths.Values[t] {
			if depths.Valid[t][d] {
				counts[v]++
			}
		}
	}
	values := make([]float64, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Float64s(values)
	weights := make([]float64, len(values))
	for i, v := range values {
		weights[i] = float64(counts[v])
	}
	return values, weights
}

func (r *Resolver) wellSpaced(levels []float64) bool {
	for i := 1; i < len(levels); i++ {
		if math.Abs(levels[i]-levels[i-1]) < r.params.Spacing(levels[i-1]) {
			return false
		}
	}
	return true
}

// merge collapses neighbouring depths into count-weighted averages until the
// spacing rule holds between every pair of consecutive levels.
func (r *Resolver) merge(values, weights []float64) []float64 {
	levels, w := values, weights
	for {
		mergedLevels, mergedWeights := r.mergePass(levels, w)
		stable := len(mergedLevels) == len(levels)
		levels, w = mergedLevels, mergedWeights
		if stable || r.wellSpaced(levels) {
			return levels
		}
	}
}

// mergePass starts a bin at the shallowest unbinned depth and extends it until
// the next depth is at least one spacing away from the bin start, measured
// against the running weighted average of the bin.
func (r *Resolver) mergePass(levels, weights []float64) ([]float64, []float64) {
	var outLevels, outWeights []float64
	for i := 0; i < len(levels); {
		j := i + 1
		for j < len(levels) {
			avg := stat.Mean(levels[i:j], weights[i:j])
			if math.Abs(levels[j]-levels[i]) >= r.params.Spacing(avg) {
				break
			}
			j++
		}
		total := 0.0
		for _, v := range weights[i:j] {
			total += v
		}
		outLevels = append(outLevels, stat.Mean(levels[i:j], weights[i:j]))
		outWeights = append(outWeights, total)
		i = j
	}
	return outLevels, outWeights
}

// coverage returns, per candidate level, the largest number of records with
// data found across the dataset variables, and whether every variable covers
// every level with at least the filled-data threshold.
func (r *Resolver) coverage(ds *types.Dataset, depths types.Grid, levels []float64) ([]int, bool) {
	assignment := r.params.assign(depths, levels)
	minimum := float64(ds.Records()) * r.params.FilledDataThreshold

	best := make([]int, len(levels))
	sufficient := true
	for _, name := range ds.VariableNames() {
		means := levelMeans(ds.Variables[name].Data, assignment, len(levels))
		for li := range levels {
			n := means.CountValidColumn(li)
			if float64(n) < minimum {
				sufficient = false
			}
			if n > best[li] {
				best[li] = n
			}
		}
	}
	return best, sufficient
}

func truncate(values []float64, n int) []float64 {
	if len(values) > n {
		return values[:n]
	}
	return values
}
