// Package core defines the event, exit status and outcome types shared by the
// scheduler and its workers.
package core

import (
	"fmt"
	"time"
)

// Reserved worker exit codes. They only exist at the process boundary;
// everything above it works with ExitStatus.
const (
	CodePassed   = 0
	CodeFailed   = 1
	CodeCapacity = 3 // provider concurrency limit reached, queue and retry
	CodeQuota    = 4 // provider daily/plan quota exhausted
)

// EventKind tags the variants carried by Event.
type EventKind int

const (
	EventProgressInit EventKind = iota + 1
	EventProgressTick
	EventDiagnostic
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventProgressInit:
		return "progress-init"
	case EventProgressTick:
		return "progress-tick"
	case EventDiagnostic:
		return "diagnostic"
	case EventExit:
		return "exit"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// DiagnosticKind names the kind of link a diagnostic event carries.
type DiagnosticKind string

const (
	DiagnosticScreenshot DiagnosticKind = "screenshot"
	DiagnosticTunnelLogs DiagnosticKind = "tunnel-logs"
)

// Event is one message of a worker's ordered stream: progress-init, zero or
// more progress-ticks, optional diagnostics, then exactly one exit.
type Event struct {
	Kind       EventKind
	Index      int            // session index the event belongs to
	Total      int            // EventProgressInit
	Diagnostic DiagnosticKind // EventDiagnostic
	URL        string         // EventDiagnostic
	Exit       ExitStatus     // EventExit
}

// ExitClass is the decoded meaning of a worker's exit.
type ExitClass int

const (
	ExitPassed ExitClass = iota
	ExitFailed
	ExitCapacity
	ExitQuota
)

func (c ExitClass) String() string {
	switch c {
	case ExitPassed:
		return "passed"
	case ExitFailed:
		return "failed"
	case ExitCapacity:
		return "capacity"
	case ExitQuota:
		return "quota"
	default:
		return fmt.Sprintf("exit(%d)", int(c))
	}
}

// ExitStatus is a worker's terminal status. Code is the raw process exit
// code, -1 when the process was killed by a signal or never ran.
type ExitStatus struct {
	Class ExitClass
	Code  int
	Err   error
}

// OutcomeKind classifies what happens to a task after one attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeFailure
	OutcomeRetryScheduled
	OutcomeFatalAbort
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeRetryScheduled:
		return "retry"
	case OutcomeFatalAbort:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the disposition of a task attempt. Only Success, Failure and
// FatalAbort are terminal.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Delay  time.Duration
}

func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }

func Failure(reason string) Outcome { return Outcome{Kind: OutcomeFailure, Reason: reason} }

func RetryScheduled(delay time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetryScheduled, Delay: delay}
}

func FatalAbort(reason string) Outcome { return Outcome{Kind: OutcomeFatalAbort, Reason: reason} }

// Terminal reports whether the outcome finalizes the task.
func (o Outcome) Terminal() bool {
	return o.Kind != OutcomeRetryScheduled
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryScheduled:
		return fmt.Sprintf("retry in %v", o.Delay)
	default:
		if o.Reason == "" {
			return o.Kind.String()
		}
		return fmt.Sprintf("%s: %s", o.Kind, o.Reason)
	}
}
