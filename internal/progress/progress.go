// Package progress renders per-session test progress as sessions report it.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"

	"gridrun/internal/core"
)

// Session identifies one tracked session. Progress is keyed by Index because
// two capabilities may share a name.
type Session struct {
	Index int
	Name  string
}

type counter struct {
	name      string
	total     int
	remaining int
	started   bool
	done      bool
}

// Tracker holds remaining/total counters per session.
type Tracker struct {
	mu       sync.Mutex
	output   io.Writer
	quiet    bool
	counters map[int]*counter
	finished bool
}

func NewTracker(quiet bool) *Tracker {
	return &Tracker{
		output: os.Stderr,
		quiet:  quiet,
	}
}

func (t *Tracker) SetOutput(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.output = w
}

// Init allocates one counter per session up front, so retries never add
// sessions to the view.
func (t *Tracker) Init(sessions []Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.counters = make(map[int]*counter, len(sessions))
	for _, s := range sessions {
		t.counters[s.Index] = &counter{name: s.Name}
	}
	t.printf("Starting to test %d browser(s)", len(sessions))
}

// Observe applies a progress event. Other event kinds, unknown sessions and
// events after Finish are ignored.
func (t *Tracker) Observe(ev core.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	c, ok := t.counters[ev.Index]
	if !ok || c.done {
		return
	}

	switch ev.Kind {
	case core.EventProgressInit:
		c.total = ev.Total
		c.remaining = ev.Total
		c.started = true
		if c.remaining <= 0 {
			c.remaining = 0
			c.done = true
			t.printf("[%s] ending tests", c.name)
			return
		}
		t.printf("[%s] %d pending tests", c.name, c.remaining)
	case core.EventProgressTick:
		if !c.started {
			return
		}
		c.remaining--
		if c.remaining == 0 {
			c.done = true
			t.printf("[%s] ending tests", c.name)
			return
		}
		t.printf("[%s] %d pending tests", c.name, c.remaining)
	}
}

// Remaining reports a session's counter. ok is false before its total is
// known or after Finish.
func (t *Tracker) Remaining(index int) (remaining, total int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, found := t.counters[index]
	if t.finished || !found || !c.started {
		return 0, 0, false
	}
	return c.remaining, c.total, true
}

// Printf writes a free-form line in the progress stream.
func (t *Tracker) Printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.printf(format, args...)
}

// Finish releases tracked state. Safe to call more than once.
func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
	t.counters = nil
}

func (t *Tracker) printf(format string, args ...interface{}) {
	if t.quiet {
		return
	}
	fmt.Fprintf(t.output, "\033[K"+format+"\n", args...)
}
