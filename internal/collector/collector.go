// Package collector records session outcomes and summarizes a run.
package collector

import (
	"sync"
	"time"

	"gridrun/internal/core"
)

// Record is the final state of one session.
type Record struct {
	Index    int
	Name     string
	Attempts int
	Outcome  core.Outcome
	Duration time.Duration // first launch to final outcome
}

// Collector holds one record per session, in input order. Each record is
// decided exactly once.
type Collector struct {
	mu        sync.Mutex
	clock     core.Clock
	records   []Record
	decided   []bool
	firstRun  []time.Time
	startTime time.Time
	endTime   time.Time
}

func NewCollector(names []string, clock core.Clock) *Collector {
	if clock == nil {
		clock = core.RealClock{}
	}
	c := &Collector{
		clock:     clock,
		records:   make([]Record, len(names)),
		decided:   make([]bool, len(names)),
		firstRun:  make([]time.Time, len(names)),
		startTime: clock.Now(),
	}
	for i, name := range names {
		c.records[i] = Record{Index: i, Name: name}
	}
	return c
}

// Launched counts an attempt for the session and returns the attempt number.
func (c *Collector) Launched(index int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firstRun[index].IsZero() {
		c.firstRun[index] = c.clock.Now()
	}
	c.records[index].Attempts++
	return c.records[index].Attempts
}

// Finish records a terminal outcome. It reports false, and changes nothing,
// when the session was already decided or the outcome is not terminal.
func (c *Collector) Finish(index int, outcome core.Outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decided[index] || !outcome.Terminal() {
		return false
	}
	c.decided[index] = true
	c.records[index].Outcome = outcome
	if !c.firstRun[index].IsZero() {
		c.records[index].Duration = c.clock.Since(c.firstRun[index])
	}
	return true
}

// Decided reports whether the session has its final outcome.
func (c *Collector) Decided(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decided[index]
}

// Remaining returns how many sessions are still undecided.
func (c *Collector) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range c.decided {
		if !d {
			n++
		}
	}
	return n
}

// Records returns a copy of all records.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Close marks the end of the run.
func (c *Collector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endTime.IsZero() {
		c.endTime = c.clock.Now()
	}
}

// Duration returns the run duration.
// If the collector is closed, returns the duration from start to end.
// If still running, returns the duration from start to now.
func (c *Collector) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.endTime.IsZero() {
		return c.endTime.Sub(c.startTime)
	}
	return c.clock.Since(c.startTime)
}
