package qc

import (
	"fmt"

	"github.com/chrissnell/insituqc/internal/types"
)

// ApplyFlags returns values keeping only the samples whose flag at
// iteration is one of accepted. iteration -1 selects the last one.
func ApplyFlags(values types.Grid, flags [][][]types.Flag, iteration int, accepted []types.Flag) (types.Grid, error) {
	if len(flags) == 0 {
		return types.Grid{}, fmt.Errorf("no flags to apply")
	}
	if iteration < 0 {
		iteration = len(flags) - 1
	}
	if iteration >= len(flags) {
		return types.Grid{}, fmt.Errorf("iteration %d not in run of %d iterations", iteration, len(flags)-1)
	}
	selected := flags[iteration]
	if err := values.CheckShape(len(selected), values.Cols()); err != nil {
		return types.Grid{}, err
	}

	keep := make(map[types.Flag]bool, len(accepted))
	for _, f := range accepted {
		keep[f] = true
	}
	out := values.Clone()
	for t := range out.Valid {
		if len(selected[t]) != len(out.Valid[t]) {
			return types.Grid{}, fmt.Errorf("%w: flag row %d", types.ErrShapeMismatch, t)
		}
		for d := range out.Valid[t] {
			if !keep[selected[t][d]] {
				out.Valid[t][d] = false
			}
		}
	}
	return out, nil
}
