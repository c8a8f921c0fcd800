// Package retry decides what happens to a task after one of its workers exits.
package retry

import (
	"fmt"
	"time"

	"gridrun/internal/core"
	"gridrun/internal/ipc"
)

// DefaultDelay is how long a task waits after hitting the provider's
// concurrency limit.
const DefaultDelay = time.Minute

// QuotaReason is the halt reason reported when the provider plan is exhausted.
const QuotaReason = "daily limit reached"

// Policy is a pure classification: the same status always yields the same
// outcome. Delay is fixed, not a backoff.
type Policy struct {
	Delay time.Duration
}

// New returns a Policy; a non-positive delay falls back to DefaultDelay.
func New(delay time.Duration) Policy {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return Policy{Delay: delay}
}

// Classify maps a decoded exit status to an outcome.
func (p Policy) Classify(status core.ExitStatus) core.Outcome {
	switch status.Class {
	case core.ExitPassed:
		return core.Success()
	case core.ExitCapacity:
		return core.RetryScheduled(p.Delay)
	case core.ExitQuota:
		return core.FatalAbort(QuotaReason)
	default:
		if status.Err != nil {
			return core.Failure(fmt.Sprintf("worker exited abnormally: %v", status.Err))
		}
		return core.Failure(fmt.Sprintf("worker exited with code %d", status.Code))
	}
}

// ClassifyCode decodes a raw exit code and classifies it.
func (p Policy) ClassifyCode(code int) core.Outcome {
	return p.Classify(ipc.DecodeExit(code))
}
