package collector

import (
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"gridrun/internal/core"
)

// FormatText writes the summary in human-readable format.
func FormatText(w io.Writer, s *Summary) {
	if s.Total == 0 {
		fmt.Fprintln(w, "No sessions to run")
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "gridrun - Session Results")
	fmt.Fprintln(w, "=========================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Duration:     %v\n", s.RunDuration.Round(time.Millisecond))
	fmt.Fprintf(w, "Sessions:     %s\n", formatNumber(s.Total))
	fmt.Fprintf(w, "Success Rate: %.1f%% (%s passed, %s failed, %s aborted)\n",
		s.SuccessRate, formatNumber(s.Succeeded), formatNumber(s.Failed), formatNumber(s.Aborted))
	fmt.Fprintf(w, "Retries:      %s\n", formatNumber(s.Retries))
	if s.Halt != "" {
		fmt.Fprintf(w, "Halted:       %s\n", s.Halt)
	}
	if s.Interrupted {
		fmt.Fprintln(w, "Interrupted:  yes")
	}
	if s.Durations.Max > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Session Times:")
		fmt.Fprintf(w, "  Min:    %s\n", FormatDuration(s.Durations.Min))
		fmt.Fprintf(w, "  Avg:    %s\n", FormatDuration(s.Durations.Avg))
		fmt.Fprintf(w, "  P50:    %s\n", FormatDuration(s.Durations.P50))
		fmt.Fprintf(w, "  P95:    %s\n", FormatDuration(s.Durations.P95))
		fmt.Fprintf(w, "  Max:    %s\n", FormatDuration(s.Durations.Max))
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "By Session:")
	for _, r := range s.Records {
		fmt.Fprintf(w, "  %s %-30s %s (%s)\n", symbol(r.Outcome), r.Name, r.Outcome, attempts(r.Attempts))
	}
}

// FormatJSON writes the summary in JSON format.
func FormatJSON(w io.Writer, s *Summary) {
	output := struct {
		Duration    string        `json:"duration"`
		Total       int           `json:"total"`
		Succeeded   int           `json:"succeeded"`
		Failed      int           `json:"failed"`
		Aborted     int           `json:"aborted"`
		Retries     int           `json:"retries"`
		SuccessRate float64       `json:"successRate"`
		Halt        string        `json:"halt,omitempty"`
		Interrupted bool          `json:"interrupted,omitempty"`
		Durations   jsonDurations `json:"durations"`
		Sessions    []jsonRecord  `json:"sessions"`
	}{
		Duration:    s.RunDuration.Round(time.Millisecond).String(),
		Total:       s.Total,
		Succeeded:   s.Succeeded,
		Failed:      s.Failed,
		Aborted:     s.Aborted,
		Retries:     s.Retries,
		SuccessRate: s.SuccessRate,
		Halt:        s.Halt,
		Interrupted: s.Interrupted,
		Durations:   toJSONDurations(s.Durations),
		Sessions:    make([]jsonRecord, 0, len(s.Records)),
	}

	for _, r := range s.Records {
		output.Sessions = append(output.Sessions, jsonRecord{
			Index:    r.Index,
			Name:     r.Name,
			Attempts: r.Attempts,
			Outcome:  r.Outcome.Kind.String(),
			Reason:   r.Outcome.Reason,
			Duration: FormatDuration(r.Duration),
		})
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(output) // stdout errors are unrecoverable
}

type jsonDurations struct {
	Min string `json:"min"`
	Max string `json:"max"`
	Avg string `json:"avg"`
	P50 string `json:"p50"`
	P95 string `json:"p95"`
}

type jsonRecord struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Attempts int    `json:"attempts"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
	Duration string `json:"duration"`
}

func toJSONDurations(d DurationMetrics) jsonDurations {
	return jsonDurations{
		Min: FormatDuration(d.Min),
		Max: FormatDuration(d.Max),
		Avg: FormatDuration(d.Avg),
		P50: FormatDuration(d.P50),
		P95: FormatDuration(d.P95),
	}
}

func symbol(o core.Outcome) string {
	switch o.Kind {
	case core.OutcomeSuccess:
		return "✓"
	case core.OutcomeFatalAbort:
		return "!"
	default:
		return "✗"
	}
}

func attempts(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%d,%03d", n/1000, n%1000)
}
