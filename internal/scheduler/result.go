package scheduler

import (
	"fmt"
	"time"

	"gridrun/internal/collector"
	"gridrun/internal/core"
)

// Exit codes of the orchestrator process.
const (
	ExitOK          = 0
	ExitFailures    = 1
	ExitConfig      = 2
	ExitQuota       = core.CodeQuota
	ExitInterrupted = 130
)

// HaltCause says why a run stopped admitting sessions early.
type HaltCause int

const (
	HaltQuota HaltCause = iota + 1
	HaltInterrupted
)

func (c HaltCause) String() string {
	switch c {
	case HaltQuota:
		return "quota"
	case HaltInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("halt(%d)", int(c))
	}
}

// Halt is recorded once, by the first fatal condition of a run.
type Halt struct {
	Cause   HaltCause
	Reason  string
	Session string // session that triggered it, empty for interrupts
}

// Diagnostic is a link a session reported, such as a failure screenshot.
type Diagnostic struct {
	Session string
	Kind    core.DiagnosticKind
	URL     string
}

// RunResult is the aggregate of a run. Records are in input order.
type RunResult struct {
	RunID       string
	Records     []collector.Record
	Halt        *Halt
	Interrupted bool
	Diagnostics []Diagnostic
	Duration    time.Duration
}

// Outcomes returns each session's final outcome, in input order.
func (r *RunResult) Outcomes() []core.Outcome {
	out := make([]core.Outcome, len(r.Records))
	for i, rec := range r.Records {
		out[i] = rec.Outcome
	}
	return out
}

// ExitCode maps the result to the orchestrator's exit status: a quota halt
// wins, then an interrupt, then any failed or aborted session.
func (r *RunResult) ExitCode() int {
	if r.Halt != nil && r.Halt.Cause == HaltQuota {
		return ExitQuota
	}
	if r.Interrupted {
		return ExitInterrupted
	}
	for _, rec := range r.Records {
		if rec.Outcome.Kind != core.OutcomeSuccess {
			return ExitFailures
		}
	}
	return ExitOK
}

// Summary computes the printable summary of the run.
func (r *RunResult) Summary() *collector.Summary {
	s := collector.ComputeSummary(r.Records, r.Duration)
	if r.Halt != nil {
		s.Halt = r.Halt.Reason
	}
	s.Interrupted = r.Interrupted
	return s
}
