package session

import (
	"strings"

	"gridrun/internal/core"
)

var (
	// Provider messages meaning every parallel slot is taken.
	capacityMarkers = []string{
		"receive further commands",                    // Sauce Labs
		"Please upgrade to add more parallel sessions", // BrowserStack
	}
	quotaMarker = "Automate daily limit reached for your plan"
)

// Report is what a worker learned from one driver run.
type Report struct {
	Started     bool // the driver process was started
	Interrupted bool
	Records     int
	SessionID   string
	Total       int
	Passed      int
	Failed      int
	Pending     int
	Errors      []string
	DriverErr   error
}

// Classify picks the exit class for the run. Quota wins over capacity, and a
// failed run that never got a remote session is treated as capacity: the
// provider did not hand out a browser.
func (r *Report) Classify() core.ExitClass {
	if !r.Started || r.Interrupted {
		return core.ExitFailed
	}
	if r.mentions(quotaMarker) {
		return core.ExitQuota
	}
	for _, m := range capacityMarkers {
		if r.mentions(m) {
			return core.ExitCapacity
		}
	}
	if !r.failed() {
		return core.ExitPassed
	}
	if r.Records > 0 && r.SessionID == "" {
		return core.ExitCapacity
	}
	return core.ExitFailed
}

func (r *Report) failed() bool {
	return r.DriverErr != nil || len(r.Errors) > 0 || r.Failed > 0
}

func (r *Report) mentions(marker string) bool {
	for _, msg := range r.Errors {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return r.DriverErr != nil && strings.Contains(r.DriverErr.Error(), marker)
}
