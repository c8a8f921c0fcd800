// Package scheduler runs sessions as worker processes under a concurrency
// bound, retries the ones the provider had no room for, and collects their
// outcomes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gridrun/internal/collector"
	"gridrun/internal/core"
	"gridrun/internal/progress"
	"gridrun/internal/ratelimit"
	"gridrun/internal/retry"
	"gridrun/internal/session"
	"gridrun/internal/shutdown"
	"gridrun/internal/worker"
)

const (
	reasonInterrupted  = "interrupted"
	reasonRetryLimit   = "retry limit reached"
	reasonNotStarted   = "not started"
	reasonTerminated   = "terminated"
	reasonRetryAborted = "retry cancelled"
)

// Worker is a live session attempt.
type Worker interface {
	shutdown.Process
	Events() <-chan core.Event
	Exit() core.ExitStatus
	Output() (stdout, stderr string)
	Release()
}

// LaunchFunc starts one attempt.
type LaunchFunc func(ctx context.Context, spec worker.Spec) (Worker, error)

// ProcessLauncher launches attempts as worker processes.
func ProcessLauncher(l *worker.Launcher) LaunchFunc {
	return func(ctx context.Context, spec worker.Spec) (Worker, error) {
		h, err := l.Launch(ctx, spec)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

type Options struct {
	MaxSessions   int // <= 0 means unbounded
	MaxRetries    int // <= 0 means unbounded
	RetryDelay    time.Duration
	ShutdownGrace time.Duration
	LaunchRate    float64 // sessions per second, 0 = no pacing

	RunID string
	// Base is copied into every worker spec; the scheduler fills in the
	// session identity, capability and provider.
	Base session.Spec

	Launch  LaunchFunc
	Tracker *progress.Tracker
	Logger  *zap.Logger
	Clock   core.Clock
}

type Scheduler struct {
	opts    Options
	policy  retry.Policy
	limiter *ratelimit.Limiter
	tracker *progress.Tracker
	logger  *zap.Logger
	clock   core.Clock
}

func New(opts Options) *Scheduler {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	s := &Scheduler{
		opts:    opts,
		policy:  retry.New(opts.RetryDelay),
		tracker: opts.Tracker,
		logger:  opts.Logger,
		clock:   opts.Clock,
	}
	if opts.LaunchRate > 0 {
		s.limiter = ratelimit.New(opts.LaunchRate)
	}
	if s.tracker == nil {
		s.tracker = progress.NewTracker(true)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = core.RealClock{}
	}
	s.logger = s.logger.With(zap.String("run_id", opts.RunID))
	return s
}

// RunID identifies the run in logs and worker environments.
func (s *Scheduler) RunID() string { return s.opts.RunID }

type attempt struct {
	task       *Task
	worker     Worker
	number     int
	screenshot string
	tunnelLogs string
}

type workerEvent struct {
	attempt *attempt
	ev      core.Event
}

// run is the state of one Run call. Only the control goroutine touches it,
// except for the channels.
type run struct {
	tasks     []*Task
	collector *collector.Collector
	result    *RunResult

	queue   []*Task
	active  map[int]*attempt
	waiting map[int]*Task

	events  chan workerEvent
	requeue chan *Task
	stop    chan struct{}
	timers  errgroup.Group
}

// Run executes every task and returns once each has a final outcome or a
// fatal condition halted the run. The result is always returned; the error
// is reserved for misconfiguration.
func (s *Scheduler) Run(ctx context.Context, tasks []*Task) (*RunResult, error) {
	if s.opts.Launch == nil {
		return nil, errors.New("scheduler: no launcher configured")
	}

	names := make([]string, len(tasks))
	sessions := make([]progress.Session, len(tasks))
	for i, t := range tasks {
		if t.Index != i {
			return nil, fmt.Errorf("scheduler: task %q has index %d at position %d", t.Name, t.Index, i)
		}
		names[i] = t.Name
		sessions[i] = progress.Session{Index: i, Name: t.Name}
	}

	r := &run{
		tasks:     tasks,
		collector: collector.NewCollector(names, s.clock),
		result:    &RunResult{RunID: s.opts.RunID},
		queue:     append([]*Task(nil), tasks...),
		active:    make(map[int]*attempt),
		waiting:   make(map[int]*Task),
		events:    make(chan workerEvent),
		requeue:   make(chan *Task),
		stop:      make(chan struct{}),
	}
	if len(tasks) == 0 {
		return s.finish(r), nil
	}

	s.tracker.Init(sessions)
	defer s.tracker.Finish()
	s.logger.Info("starting run", zap.Int("sessions", len(tasks)), zap.Int("max_sessions", s.opts.MaxSessions))

	for r.collector.Remaining() > 0 && r.result.Halt == nil {
		s.admit(ctx, r)
		if r.collector.Remaining() == 0 || r.result.Halt != nil {
			break
		}

		select {
		case <-ctx.Done():
			s.halt(r, &Halt{Cause: HaltInterrupted, Reason: reasonInterrupted})
		case we := <-r.events:
			s.handle(r, we)
		case t := <-r.requeue:
			delete(r.waiting, t.Index)
			r.queue = append(r.queue, t)
		}
	}

	return s.finish(r), nil
}

// admit launches queued tasks, head first, while slots are free.
func (s *Scheduler) admit(ctx context.Context, r *run) {
	for len(r.queue) > 0 && s.hasSlot(r) {
		if ctx.Err() != nil {
			return
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		t := r.queue[0]
		r.queue = r.queue[1:]
		s.launch(ctx, r, t)
	}
}

func (s *Scheduler) hasSlot(r *run) bool {
	return s.opts.MaxSessions <= 0 || len(r.active) < s.opts.MaxSessions
}

func (s *Scheduler) launch(ctx context.Context, r *run, t *Task) {
	t.Attempts = r.collector.Launched(t.Index)
	logger := s.logger.With(zap.String("session", t.Name), zap.Int("index", t.Index), zap.Int("attempt", t.Attempts))

	spec := s.opts.Base
	spec.RunID = s.opts.RunID
	spec.Index = t.Index
	spec.Name = t.Name
	spec.Attempt = t.Attempts
	spec.Capability = t.Attrs
	spec.Provider = t.Provider

	w, err := s.spawn(ctx, spec)
	if err != nil {
		logger.Error("cannot start worker", zap.Error(err))
		s.finalize(r, t, core.Failure(err.Error()))
		return
	}

	a := &attempt{task: t, worker: w, number: t.Attempts}
	r.active[t.Index] = a
	recordLaunch()
	logger.Debug("worker launched")
	go s.forward(r, a)
}

func (s *Scheduler) spawn(ctx context.Context, spec session.Spec) (w Worker, err error) {
	defer func() {
		if p := recover(); p != nil {
			w, err = nil, fmt.Errorf("panic launching worker: %v", p)
		}
	}()
	blob, err := spec.Encode()
	if err != nil {
		return nil, err
	}
	return s.opts.Launch(ctx, worker.Spec{Index: spec.Index, Name: spec.Name, Blob: blob})
}

// forward relays one worker's events into the run's event channel. It is
// the only goroutine reading that worker's stream.
func (s *Scheduler) forward(r *run, a *attempt) {
	defer s.recoverPanic(r, a)
	for ev := range a.worker.Events() {
		ev.Index = a.task.Index
		select {
		case r.events <- workerEvent{attempt: a, ev: ev}:
		case <-r.stop:
			a.worker.Release()
			return
		}
	}
}

// recoverPanic turns a panic in a worker's plumbing into that attempt's
// abnormal exit.
func (s *Scheduler) recoverPanic(r *run, a *attempt) {
	p := recover()
	if p == nil {
		return
	}
	s.logger.Error("panic in worker plumbing", zap.String("session", a.task.Name), zap.Any("panic", p))
	_ = a.worker.Kill()
	a.worker.Release()
	exit := core.ExitStatus{Class: core.ExitFailed, Code: -1, Err: fmt.Errorf("panic: %v", p)}
	select {
	case r.events <- workerEvent{attempt: a, ev: core.Event{Kind: core.EventExit, Index: a.task.Index, Exit: exit}}:
	case <-r.stop:
	}
}

func (s *Scheduler) handle(r *run, we workerEvent) {
	a := we.attempt
	if r.active[a.task.Index] != a {
		return // stale attempt
	}

	switch we.ev.Kind {
	case core.EventProgressInit, core.EventProgressTick:
		s.tracker.Observe(we.ev)
	case core.EventDiagnostic:
		switch we.ev.Diagnostic {
		case core.DiagnosticScreenshot:
			a.screenshot = we.ev.URL
		case core.DiagnosticTunnelLogs:
			a.tunnelLogs = we.ev.URL
		}
		r.result.Diagnostics = append(r.result.Diagnostics, Diagnostic{Session: a.task.Name, Kind: we.ev.Diagnostic, URL: we.ev.URL})
	case core.EventExit:
		s.exited(r, a, we.ev.Exit)
	}
}

func (s *Scheduler) exited(r *run, a *attempt, status core.ExitStatus) {
	t := a.task
	delete(r.active, t.Index)
	recordExit()
	a.worker.Release()
	s.report(a, status.Class == core.ExitPassed)

	logger := s.logger.With(zap.String("session", t.Name), zap.Int("index", t.Index), zap.Int("attempt", a.number))
	outcome := s.policy.Classify(status)

	switch outcome.Kind {
	case core.OutcomeRetryScheduled:
		if s.opts.MaxRetries > 0 && a.number > s.opts.MaxRetries {
			logger.Warn("provider capacity reached, giving up", zap.Int("max_retries", s.opts.MaxRetries))
			s.finalize(r, t, core.Failure(reasonRetryLimit))
			return
		}
		logger.Warn("provider capacity reached, queued for retry", zap.Duration("delay", outcome.Delay))
		recordRetry()
		s.scheduleRetry(r, t, outcome.Delay)
	case core.OutcomeFatalAbort:
		logger.Error("session aborted the run", zap.String("reason", outcome.Reason))
		s.finalize(r, t, outcome)
		s.halt(r, &Halt{Cause: HaltQuota, Reason: outcome.Reason, Session: t.Name})
	case core.OutcomeFailure:
		logger.Error("session failed", zap.String("reason", outcome.Reason))
		s.finalize(r, t, outcome)
	default:
		logger.Info("session passed")
		s.finalize(r, t, outcome)
	}
}

func (s *Scheduler) scheduleRetry(r *run, t *Task, delay time.Duration) {
	r.waiting[t.Index] = t
	after := s.clock.After(delay)
	r.timers.Go(func() error {
		select {
		case <-after:
			select {
			case r.requeue <- t:
			case <-r.stop:
			}
		case <-r.stop:
		}
		return nil
	})
}

func (s *Scheduler) finalize(r *run, t *Task, outcome core.Outcome) {
	if r.collector.Finish(t.Index, outcome) {
		recordOutcome(outcome)
	}
}

func (s *Scheduler) halt(r *run, h *Halt) {
	if r.result.Halt != nil {
		return
	}
	r.result.Halt = h
	if h.Cause == HaltInterrupted {
		r.result.Interrupted = true
	}
	s.logger.Warn("halting run", zap.Stringer("cause", h.Cause), zap.String("reason", h.Reason))
}

// finish stops timers and forwarders, shuts down live workers, and assigns
// outcomes to every task that has none yet.
func (s *Scheduler) finish(r *run) *RunResult {
	close(r.stop)

	reason := ""
	if r.result.Halt != nil {
		reason = r.result.Halt.Reason
	}

	// Workers already reaped keep the outcome of their own exit status; the
	// rest are interrupted.
	reaped := make(map[int]bool, len(r.active))
	procs := make([]shutdown.Process, 0, len(r.active))
	for idx, a := range r.active {
		if isDone(a.worker) {
			reaped[idx] = true
			continue
		}
		procs = append(procs, a.worker)
	}
	shutdown.New(s.opts.ShutdownGrace, s.logger).Shutdown(procs)

	for idx, a := range r.active {
		recordExit()
		a.worker.Release()
		passed := exitedCleanly(a.worker)
		s.report(a, passed)
		switch {
		case reaped[idx]:
			s.finalize(r, a.task, s.reapedOutcome(a.worker.Exit(), reason))
		case passed:
			s.finalize(r, a.task, core.Success())
		default:
			s.finalize(r, a.task, core.FatalAbort(withReason(reasonTerminated, reason)))
		}
	}
	for _, t := range r.waiting {
		s.finalize(r, t, core.Failure(withReason(reasonRetryAborted, reason)))
	}
	for _, t := range r.queue {
		s.finalize(r, t, core.FatalAbort(withReason(reasonNotStarted, reason)))
	}

	_ = r.timers.Wait()
	r.collector.Close()
	r.result.Records = r.collector.Records()
	r.result.Duration = r.collector.Duration()
	return r.result
}

// reapedOutcome classifies a worker that exited on its own before the halt
// but whose exit event was never handled. A retry can no longer happen.
func (s *Scheduler) reapedOutcome(status core.ExitStatus, reason string) core.Outcome {
	outcome := s.policy.Classify(status)
	if outcome.Kind == core.OutcomeRetryScheduled {
		return core.Failure(withReason(reasonRetryAborted, reason))
	}
	return outcome
}

// report logs what a finished worker printed and the diagnostics it left.
// The worker's stderr carries its own log lines, so it is only an error when
// the attempt did not pass.
func (s *Scheduler) report(a *attempt, passed bool) {
	name := a.task.Name
	stdout, stderr := a.worker.Output()
	if out := strings.TrimSpace(stdout); out != "" {
		s.logger.Info(fmt.Sprintf("[%s] RESULT\n%s", name, out))
	}
	if out := strings.TrimSpace(stderr); out != "" {
		msg := fmt.Sprintf("[%s] ERROR\n%s", name, out)
		if passed {
			s.logger.Info(msg)
		} else {
			s.logger.Error(msg)
		}
	}
	if a.screenshot != "" {
		s.logger.Warn("screenshot", zap.String("session", name), zap.String("url", a.screenshot))
	}
	if a.tunnelLogs != "" {
		s.logger.Warn("tunnel logs", zap.String("session", name), zap.String("url", a.tunnelLogs))
	}
}

func exitedCleanly(w Worker) bool {
	return isDone(w) && w.Exit().Class == core.ExitPassed
}

func isDone(w Worker) bool {
	select {
	case <-w.Done():
		return true
	default:
		return false
	}
}

func withReason(prefix, reason string) string {
	if reason == "" {
		return prefix
	}
	return prefix + ": " + reason
}
