package collector

import (
	"time"

	"gridrun/internal/core"
)

// Summary is the aggregate view of a run.
type Summary struct {
	Total       int
	Succeeded   int
	Failed      int
	Aborted     int
	Retries     int
	SuccessRate float64
	RunDuration time.Duration
	Durations   DurationMetrics // of sessions that were launched
	Halt        string          // why the run stopped early, if it did
	Interrupted bool
	Records     []Record
}

// ComputeSummary builds a Summary from records. Pure function, no side effects.
func ComputeSummary(records []Record, runDuration time.Duration) *Summary {
	s := &Summary{
		Total:       len(records),
		RunDuration: runDuration,
		Records:     make([]Record, len(records)),
	}
	copy(s.Records, records)

	var durations []time.Duration
	for _, r := range records {
		switch r.Outcome.Kind {
		case core.OutcomeSuccess:
			s.Succeeded++
		case core.OutcomeFailure:
			s.Failed++
		case core.OutcomeFatalAbort:
			s.Aborted++
		}
		if r.Attempts > 1 {
			s.Retries += r.Attempts - 1
		}
		if r.Attempts > 0 {
			durations = append(durations, r.Duration)
		}
	}

	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total) * 100
	}
	s.Durations = ComputeDurationMetrics(durations)
	return s
}
