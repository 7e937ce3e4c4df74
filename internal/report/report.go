// Package report writes the per-unit rejection table of a run and the
// per-variable rejection percentages derived from it.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/chrissnell/insituqc/internal/types"
)

// Row is the rejection count of one variable of one platform.
type Row struct {
	Platform string
	Variable string
	Stats    types.RejectionStatistics
}

// Summary holds the rejection percentages of one variable over all platforms.
// Filled is relative to the total; every test is relative to the samples
// present before QC.
type Summary struct {
	Variable  string
	Total     int
	Filled    float64
	Range     float64
	Spike     float64
	Stuck     float64
	Statistic []float64
}

func rejectionHeader(iterations int) []string {
	h := []string{"platform_code", "standard_name", "data_total", "filled_data",
		"range_check_rejection", "spike_test_rejection", "stuck_value_rejection"}
	for k := 1; k <= iterations; k++ {
		h = append(h, "statistic_rejection_"+strconv.Itoa(k))
	}
	return h
}

// WriteRejections writes one CSV line per row. Rows with fewer statistical
// phases than iterations are padded with zeros.
func WriteRejections(w io.Writer, rows []Row, iterations int) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(rejectionHeader(iterations)); err != nil {
		return err
	}
	for _, r := range rows {
		line := []string{
			r.Platform,
			r.Variable,
			strconv.Itoa(r.Stats.Total),
			strconv.Itoa(r.Stats.Filled),
			strconv.Itoa(r.Stats.Range),
			strconv.Itoa(r.Stats.Spike),
			strconv.Itoa(r.Stats.Stuck),
		}
		for k := 0; k < iterations; k++ {
			n := 0
			if k < len(r.Stats.Statistic) {
				n = r.Stats.Statistic[k]
			}
			line = append(line, strconv.Itoa(n))
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadRejections parses a table written by WriteRejections and returns its
// rows together with the number of statistical phases it holds.
func ReadRejections(r io.Reader) ([]Row, int, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read rejection table: %w", err)
	}
	if len(records) == 0 {
		return nil, 0, fmt.Errorf("rejection table is empty")
	}
	const fixed = 7
	header := records[0]
	if len(header) < fixed || header[0] != "platform_code" {
		return nil, 0, fmt.Errorf("unexpected rejection table header %v", header)
	}
	iterations := len(header) - fixed

	rows := make([]Row, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, 0, fmt.Errorf("line %d: %d fields, want %d", i+2, len(rec), len(header))
		}
		counts := make([]int, len(rec)-2)
		for j, s := range rec[2:] {
			if counts[j], err = strconv.Atoi(s); err != nil {
				return nil, 0, fmt.Errorf("line %d, column %s: %w", i+2, header[j+2], err)
			}
		}
		rows = append(rows, Row{
			Platform: rec[0],
			Variable: rec[1],
			Stats: types.RejectionStatistics{
				Total:     counts[0],
				Filled:    counts[1],
				Range:     counts[2],
				Spike:     counts[3],
				Stuck:     counts[4],
				Statistic: counts[5:],
			},
		})
	}
	return rows, iterations, nil
}

// Aggregate sums rows per variable and converts the counts to percentages
// rounded to two decimals. Summaries are sorted by variable.
func Aggregate(rows []Row, iterations int) []Summary {
	sums := make(map[string]*types.RejectionStatistics)
	for _, r := range rows {
		s, ok := sums[r.Variable]
		if !ok {
			s = &types.RejectionStatistics{Statistic: make([]int, iterations)}
			sums[r.Variable] = s
		}
		s.Total += r.Stats.Total
		s.Filled += r.Stats.Filled
		s.Range += r.Stats.Range
		s.Spike += r.Stats.Spike
		s.Stuck += r.Stats.Stuck
		for k := 0; k < iterations && k < len(r.Stats.Statistic); k++ {
			s.Statistic[k] += r.Stats.Statistic[k]
		}
	}

	out := make([]Summary, 0, len(sums))
	for variable, s := range sums {
		checked := s.Checked()
		sm := Summary{
			Variable:  variable,
			Total:     s.Total,
			Filled:    percent(s.Filled, s.Total),
			Range:     percent(s.Range, checked),
			Spike:     percent(s.Spike, checked),
			Stuck:     percent(s.Stuck, checked),
			Statistic: make([]float64, iterations),
		}
		for k, n := range s.Statistic {
			sm.Statistic[k] = percent(n, checked)
		}
		out = append(out, sm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Variable < out[j].Variable })
	return out
}

// WriteSummary writes one CSV line per variable.
func WriteSummary(w io.Writer, summaries []Summary, iterations int) error {
	cw := csv.NewWriter(w)
	header := []string{"standard_name", "data_total", "filled_data_percentage",
		"range_check_rejection_percentage", "spike_test_rejection_percentage", "stuck_value_rejection_percentage"}
	for k := 1; k <= iterations; k++ {
		header = append(header, fmt.Sprintf("statistic_rejection_%d_percentage", k))
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, s := range summaries {
		line := []string{s.Variable, strconv.Itoa(s.Total), format(s.Filled), format(s.Range), format(s.Spike), format(s.Stuck)}
		for k := 0; k < iterations; k++ {
			v := 0.0
			if k < len(s.Statistic) {
				v = s.Statistic[k]
			}
			line = append(line, format(v))
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func percent(n, of int) float64 {
	if of <= 0 {
		return 0
	}
	return math.Round(float64(n)/float64(of)*100*100) / 100
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
