package scheduler

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"gridrun/internal/core"
	"gridrun/internal/ipc"
	"gridrun/internal/session"
	"gridrun/internal/worker"
)

// behavior scripts one fake attempt; it runs on its own goroutine.
type behavior func(w *fakeWorker)

// exitWith reports one test and exits with code.
func exitWith(code int) behavior {
	return func(w *fakeWorker) {
		w.emit(core.Event{Kind: core.EventProgressInit, Total: 1})
		w.emit(core.Event{Kind: core.EventProgressTick})
		w.finish(ipc.DecodeExit(code))
	}
}

// hang runs until signaled. A cooperative worker exits 0 on interrupt; any
// worker dies on Kill.
func hang(cooperative bool) behavior {
	return func(w *fakeWorker) {
		w.emit(core.Event{Kind: core.EventProgressInit, Total: 5})
		interrupted := w.interrupted
		for {
			select {
			case <-w.killed:
				w.finish(core.ExitStatus{Class: core.ExitFailed, Code: -1, Err: errors.New("signal: killed")})
				return
			case <-interrupted:
				if cooperative {
					w.finish(ipc.DecodeExit(0))
					return
				}
				interrupted = nil
			}
		}
	}
}

// reapSilently ends the process with code but never delivers the exit event,
// as when the scheduler halts before reading it.
func reapSilently(code int) behavior {
	return func(w *fakeWorker) {
		w.reap(ipc.DecodeExit(code))
		<-w.quit
		close(w.events)
	}
}

// quotaOnInterrupt runs until signaled, then reports the exhausted quota.
func quotaOnInterrupt(w *fakeWorker) {
	w.emit(core.Event{Kind: core.EventProgressInit, Total: 1})
	select {
	case <-w.interrupted:
		w.finish(ipc.DecodeExit(core.CodeQuota))
	case <-w.killed:
		w.finish(core.ExitStatus{Class: core.ExitFailed, Code: -1, Err: errors.New("signal: killed")})
	}
}

type fakeWorker struct {
	spec        session.Spec
	events      chan core.Event
	done        chan struct{}
	quit        chan struct{}
	interrupted chan struct{}
	killed      chan struct{}
	panicEvents bool
	onExit      func()

	mu      sync.Mutex
	exit    core.ExitStatus
	signals int
	kills   int
	stdout  string
	stderr  string
	once    struct{ quit, interrupt, kill sync.Once }
}

func newFakeWorker(spec session.Spec) *fakeWorker {
	return &fakeWorker{
		spec:        spec,
		events:      make(chan core.Event),
		done:        make(chan struct{}),
		quit:        make(chan struct{}),
		interrupted: make(chan struct{}),
		killed:      make(chan struct{}),
	}
}

func (w *fakeWorker) Events() <-chan core.Event {
	if w.panicEvents {
		panic("event stream corrupted")
	}
	return w.events
}

func (w *fakeWorker) Done() <-chan struct{} { return w.done }

func (w *fakeWorker) Exit() core.ExitStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exit
}

func (w *fakeWorker) Output() (string, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stdout, w.stderr
}

func (w *fakeWorker) Signal(os.Signal) error {
	if w.exited() {
		return nil
	}
	w.mu.Lock()
	w.signals++
	w.mu.Unlock()
	w.once.interrupt.Do(func() { close(w.interrupted) })
	return nil
}

func (w *fakeWorker) Kill() error {
	if w.exited() {
		return nil
	}
	w.mu.Lock()
	w.kills++
	w.mu.Unlock()
	w.once.kill.Do(func() { close(w.killed) })
	return nil
}

func (w *fakeWorker) Release() {
	w.once.quit.Do(func() { close(w.quit) })
}

func (w *fakeWorker) setStderr(s string) {
	w.mu.Lock()
	w.stderr = s
	w.mu.Unlock()
}

func (w *fakeWorker) counts() (signals, kills int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.signals, w.kills
}

func (w *fakeWorker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *fakeWorker) emit(ev core.Event) {
	ev.Index = w.spec.Index
	select {
	case w.events <- ev:
	case <-w.quit:
	}
}

// finish reaps the fake process, then delivers the exit event.
func (w *fakeWorker) finish(status core.ExitStatus) {
	w.reap(status)
	w.emit(core.Event{Kind: core.EventExit, Exit: status})
	close(w.events)
}

func (w *fakeWorker) reap(status core.ExitStatus) {
	w.mu.Lock()
	w.exit = status
	w.stdout = "1 passing"
	w.mu.Unlock()
	if w.onExit != nil {
		w.onExit()
	}
	close(w.done)
}

// fakeLauncher hands out fake workers following a per-session script. The
// last behavior of a script repeats.
type fakeLauncher struct {
	mu        sync.Mutex
	scripts   map[int][]behavior
	fallback  behavior
	failIndex map[int]bool
	panicIdx  map[int]bool
	launches  []session.Spec
	workers   []*fakeWorker
	running   int
	peak      int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		scripts:   make(map[int][]behavior),
		fallback:  exitWith(0),
		failIndex: make(map[int]bool),
		panicIdx:  make(map[int]bool),
	}
}

func (l *fakeLauncher) script(index int, steps ...behavior) *fakeLauncher {
	l.scripts[index] = steps
	return l
}

func (l *fakeLauncher) launch(_ context.Context, spec worker.Spec) (Worker, error) {
	sspec, err := session.DecodeSpec(spec.Blob)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.failIndex[spec.Index] {
		l.mu.Unlock()
		return nil, worker.ErrNotStarted
	}
	attempt := 0
	for _, s := range l.launches {
		if s.Index == spec.Index {
			attempt++
		}
	}
	l.launches = append(l.launches, sspec)
	b := l.fallback
	if steps := l.scripts[spec.Index]; len(steps) > 0 {
		b = steps[min(attempt, len(steps)-1)]
	}
	w := newFakeWorker(sspec)
	w.panicEvents = l.panicIdx[spec.Index]
	w.onExit = func() {
		l.mu.Lock()
		l.running--
		l.mu.Unlock()
	}
	l.workers = append(l.workers, w)
	l.running++
	l.peak = max(l.peak, l.running)
	l.mu.Unlock()

	if !w.panicEvents {
		go b(w)
	}
	return w, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func (l *fakeLauncher) order() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.launches))
	for i, s := range l.launches {
		out[i] = s.Index
	}
	return out
}

func (l *fakeLauncher) workerFor(index int) *fakeWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.workers) - 1; i >= 0; i-- {
		if l.workers[i].spec.Index == index {
			return l.workers[i]
		}
	}
	return nil
}

func (l *fakeLauncher) waitLaunches(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for l.launchCount() < n {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}
