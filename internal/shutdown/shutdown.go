// Package shutdown terminates live worker processes exactly once per run.
package shutdown

import (
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultGrace is how long signaled workers get to exit on their own.
	DefaultGrace = time.Second
	// reapTimeout bounds the wait for killed workers to be reaped.
	reapTimeout = 2 * time.Second
)

// Process is the part of a worker the coordinator needs.
type Process interface {
	Signal(sig os.Signal) error
	Kill() error
	Done() <-chan struct{}
}

// Coordinator interrupts workers, waits for them, and kills stragglers.
type Coordinator struct {
	grace  time.Duration
	logger *zap.Logger
	ran    atomic.Bool
}

func New(grace time.Duration, logger *zap.Logger) *Coordinator {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{grace: grace, logger: logger}
}

// Shutdown signals every live process with an interrupt, waits up to the
// grace period, then kills the remaining ones. Only the first call acts.
func (c *Coordinator) Shutdown(procs []Process) {
	if !c.ran.CompareAndSwap(false, true) {
		return
	}

	var signaled []Process
	for _, p := range procs {
		if exited(p) {
			continue
		}
		if err := p.Signal(os.Interrupt); err != nil {
			c.logger.Debug("interrupt failed, killing", zap.Error(err))
			_ = p.Kill()
		}
		signaled = append(signaled, p)
	}
	if len(signaled) == 0 {
		return
	}
	c.logger.Info("waiting for workers to stop", zap.Int("workers", len(signaled)), zap.Duration("grace", c.grace))

	deadline := time.NewTimer(c.grace)
	defer deadline.Stop()
	for _, p := range signaled {
		select {
		case <-p.Done():
		case <-deadline.C:
			c.killRemaining(signaled)
			return
		}
	}
}

func (c *Coordinator) killRemaining(procs []Process) {
	var killed []Process
	for _, p := range procs {
		if exited(p) {
			continue
		}
		if err := p.Kill(); err != nil {
			c.logger.Warn("killing worker", zap.Error(err))
		}
		killed = append(killed, p)
	}
	if len(killed) == 0 {
		return
	}
	c.logger.Warn("killed workers after grace period", zap.Int("workers", len(killed)))

	reap := time.NewTimer(reapTimeout)
	defer reap.Stop()
	for _, p := range killed {
		select {
		case <-p.Done():
		case <-reap.C:
			c.logger.Error("workers not reaped after kill")
			return
		}
	}
}

func exited(p Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}
