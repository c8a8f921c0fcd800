package ipc

import (
	"errors"
	"os/exec"

	"gridrun/internal/core"
)

// DecodeExit maps a raw worker exit code to its ExitStatus. A negative code
// means the process did not exit normally.
func DecodeExit(code int) core.ExitStatus {
	switch code {
	case core.CodePassed:
		return core.ExitStatus{Class: core.ExitPassed, Code: code}
	case core.CodeCapacity:
		return core.ExitStatus{Class: core.ExitCapacity, Code: code}
	case core.CodeQuota:
		return core.ExitStatus{Class: core.ExitQuota, Code: code}
	default:
		return core.ExitStatus{Class: core.ExitFailed, Code: code}
	}
}

// DecodeWait turns the error from (*exec.Cmd).Wait into an ExitStatus.
func DecodeWait(err error) core.ExitStatus {
	if err == nil {
		return DecodeExit(core.CodePassed)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status := DecodeExit(exitErr.ExitCode())
		if exitErr.ExitCode() < 0 {
			status.Err = err
		}
		return status
	}
	return core.ExitStatus{Class: core.ExitFailed, Code: -1, Err: err}
}

// EncodeExit is the inverse of DecodeExit, used by the worker process.
func EncodeExit(class core.ExitClass) int {
	switch class {
	case core.ExitPassed:
		return core.CodePassed
	case core.ExitCapacity:
		return core.CodeCapacity
	case core.ExitQuota:
		return core.CodeQuota
	default:
		return core.CodeFailed
	}
}
