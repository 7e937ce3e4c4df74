package types

// Flag is a per-sample quality flag.
type Flag uint8

const (
	FlagGood Flag = 1
	FlagBad  Flag = 4
)

func (f Flag) String() string {
	switch f {
	case FlagGood:
		return "good"
	case FlagBad:
		return "bad"
	default:
		return "unknown"
	}
}

// FlagsFromValidity returns the initial flag matrix: GOOD where the sample is
// present and BAD where it is missing.
func FlagsFromValidity(valid [][]bool) [][]Flag {
	flags := make([][]Flag, len(valid))
	for t := range valid {
		flags[t] = make([]Flag, len(valid[t]))
		for d, ok := range valid[t] {
			if ok {
				flags[t][d] = FlagGood
			} else {
				flags[t][d] = FlagBad
			}
		}
	}
	return flags
}

// RejectionStatistics counts samples per outcome for one QC run.
// Statistic[k-1] holds the rejections of statistical iteration k.
type RejectionStatistics struct {
	Total     int   `json:"data_total" msgpack:"data_total"`
	Filled    int   `json:"filled_data" msgpack:"filled_data"`
	Range     int   `json:"range_check_rejection" msgpack:"range_check_rejection"`
	Spike     int   `json:"spike_test_rejection" msgpack:"spike_test_rejection"`
	Stuck     int   `json:"stuck_value_rejection" msgpack:"stuck_value_rejection"`
	Statistic []int `json:"statistic_rejection" msgpack:"statistic_rejection"`
}

// Checked returns the number of samples that were present before QC.
func (r RejectionStatistics) Checked() int {
	return r.Total - r.Filled
}
