package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"gridrun/internal/capability"
	"gridrun/internal/core"
	"gridrun/internal/ipc"
	"gridrun/internal/template"
)

const maxRecordSize = 1024 * 1024

// Emitter publishes events to the scheduler.
type Emitter interface {
	Encode(ev core.Event) error
}

// Runner drives one session attempt.
type Runner struct {
	Spec   Spec
	Events Emitter
	Status StatusReporter
	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger
}

// Run executes the session described by spec and returns the worker exit
// code. Interrupting ctx stops the driver; the job status is still updated.
func Run(ctx context.Context, spec Spec, events Emitter, logger *zap.Logger) int {
	r := &Runner{
		Spec:   spec,
		Events: events,
		Status: NewStatusUpdater(spec.Provider, nil, logger),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Logger: logger,
	}
	return r.Run(ctx)
}

func (r *Runner) Run(ctx context.Context) int {
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	if r.Stdout == nil {
		r.Stdout = io.Discard
	}
	if r.Stderr == nil {
		r.Stderr = io.Discard
	}
	logger := r.Logger.With(zap.String("session", r.Spec.Name), zap.Int("attempt", r.Spec.Attempt))

	stopped := make(chan time.Time, 1)
	unwatch := context.AfterFunc(ctx, func() { stopped <- time.Now() })
	defer unwatch()

	rep := r.drive(ctx, logger)
	class := rep.Classify()

	fmt.Fprintf(r.Stdout, "%d passing, %d failing, %d pending\n", rep.Passed, rep.Failed, rep.Pending)
	switch {
	case rep.Interrupted:
		logger.Warn("session interrupted")
	case class == core.ExitCapacity:
		logger.Warn("provider has no free session, retry later", zap.Strings("errors", rep.Errors))
	case class == core.ExitQuota:
		logger.Error("provider daily limit reached", zap.Strings("errors", rep.Errors))
	case class == core.ExitFailed && rep.DriverErr != nil:
		logger.Error("driver failed", zap.Error(rep.DriverErr), zap.Strings("errors", rep.Errors))
	}

	var deadline time.Time
	if ctx.Err() != nil {
		deadline = r.cleanupDeadline(<-stopped)
	}
	r.updateStatus(ctx, logger, rep, class, deadline)
	return ipc.EncodeExit(class)
}

func (r *Runner) drive(ctx context.Context, logger *zap.Logger) *Report {
	rep := &Report{}
	vars := r.vars()
	env, err := r.env(vars)
	if err != nil {
		rep.DriverErr = err
		return rep
	}
	args, err := template.SubstituteAll(r.Spec.Driver.Args, vars)
	if err != nil {
		rep.DriverErr = fmt.Errorf("expanding driver args: %w", err)
		return rep
	}
	args = append(args, r.Spec.Tests...)
	cmd := exec.CommandContext(ctx, r.Spec.Driver.Command, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = r.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = r.driverGrace()

	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		rep.DriverErr = fmt.Errorf("starting driver: %w", err)
		return rep
	}
	rep.Started = true
	logger.Debug("driver started", zap.String("command", r.Spec.Driver.Command), zap.Int("pid", cmd.Process.Pid))

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
		for sc.Scan() {
			r.handleLine(sc.Bytes(), rep, logger)
		}
		if err := sc.Err(); err != nil {
			logger.Warn("reading driver output", zap.Error(err))
			_, _ = io.Copy(io.Discard, pr)
		}
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-scanned

	if waitErr != nil {
		rep.DriverErr = fmt.Errorf("driver: %w", waitErr)
	}
	if ctx.Err() != nil {
		rep.Interrupted = true
	}
	return rep
}

func (r *Runner) handleLine(line []byte, rep *Report, logger *zap.Logger) {
	rec, ok := parseRecord(line)
	if !ok {
		fmt.Fprintf(r.Stdout, "%s\n", line)
		return
	}
	rep.Records++

	switch rec.Event {
	case recordStart:
		rep.Total = rec.Total
		r.emit(core.Event{Kind: core.EventProgressInit, Index: r.Spec.Index, Total: rec.Total}, logger)
	case recordTest:
		mark := "✓"
		switch rec.State {
		case statePassed:
			rep.Passed++
		case stateFailed:
			rep.Failed++
			mark = "✗"
		default:
			rep.Pending++
			mark = "-"
		}
		fmt.Fprintf(r.Stdout, "  %s %s\n", mark, rec.Title)
		r.emit(core.Event{Kind: core.EventProgressTick, Index: r.Spec.Index}, logger)
	case recordSession:
		rep.SessionID = rec.ID
		logger.Info("remote session established", zap.String("session_id", rec.ID))
	case recordScreenshot:
		r.emit(core.Event{Kind: core.EventDiagnostic, Index: r.Spec.Index, Diagnostic: core.DiagnosticScreenshot, URL: rec.URL}, logger)
	case recordTunnelLogs:
		r.emit(core.Event{Kind: core.EventDiagnostic, Index: r.Spec.Index, Diagnostic: core.DiagnosticTunnelLogs, URL: rec.URL}, logger)
	case recordError:
		rep.Errors = append(rep.Errors, rec.Message)
		fmt.Fprintf(r.Stderr, "%s\n", rec.Message)
	default:
		logger.Debug("ignoring driver record", zap.String("event", rec.Event))
	}
}

func (r *Runner) emit(ev core.Event, logger *zap.Logger) {
	if r.Events == nil {
		return
	}
	if err := r.Events.Encode(ev); err != nil {
		logger.Debug("emitting event", zap.Stringer("kind", ev.Kind), zap.Error(err))
	}
}

// updateStatus reports the result to the provider. A non-zero deadline
// bounds the call when the worker is being shut down.
func (r *Runner) updateStatus(ctx context.Context, logger *zap.Logger, rep *Report, class core.ExitClass, deadline time.Time) {
	if !r.Spec.Provider.UpdateJobStatus || rep.SessionID == "" || r.Status == nil {
		return
	}
	// The run context may already be interrupted; the update still goes out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusTimeout)
	defer cancel()
	if !deadline.IsZero() {
		if time.Until(deadline) <= 0 {
			logger.Warn("no time left for job status update", zap.String("session_id", rep.SessionID))
			return
		}
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, deadline)
		defer cancelDeadline()
	}

	passed := class == core.ExitPassed
	if err := r.Status.Update(ctx, rep.SessionID, passed); err != nil {
		logger.Warn("job status update failed", zap.String("session_id", rep.SessionID), zap.Error(err))
		return
	}
	logger.Debug("job status updated", zap.String("session_id", rep.SessionID), zap.Bool("passed", passed))
}

// grace is how long the scheduler waits for an interrupted worker before
// killing its process group.
func (r *Runner) grace() time.Duration {
	if r.Spec.ShutdownGrace > 0 {
		return r.Spec.ShutdownGrace
	}
	return time.Second
}

// driverGrace is the part of the grace the driver gets to end its session
// once interrupted. The rest is left for the status update.
func (r *Runner) driverGrace() time.Duration {
	return r.grace() / 2
}

// cleanupDeadline is when the worker must be done after being interrupted at
// stoppedAt, a tenth of the grace ahead of the scheduler's kill.
func (r *Runner) cleanupDeadline(stoppedAt time.Time) time.Time {
	g := r.grace()
	return stoppedAt.Add(g - g/10)
}

// vars are the placeholder values available to driver args and env.
func (r *Runner) vars() template.Vars {
	vars := template.Vars{
		"run.id":        r.Spec.RunID,
		"session.index": strconv.Itoa(r.Spec.Index),
		"session.name":  r.Spec.Name,
		"attempt":       strconv.Itoa(r.Spec.Attempt),
	}
	for k := range r.Spec.Capability {
		vars["capability."+k] = capability.String(r.Spec.Capability, k)
	}
	return vars
}

// env is the driver environment: session identity, capability, helpers,
// timeouts and credentials, then the configured driver env.
func (r *Runner) env(vars template.Vars) ([]string, error) {
	caps, err := json.Marshal(r.Spec.Capability)
	if err != nil {
		return nil, fmt.Errorf("encoding capability: %w", err)
	}
	helpers, err := json.Marshal(r.Spec.Helpers)
	if err != nil {
		return nil, fmt.Errorf("encoding helpers: %w", err)
	}

	p := r.Spec.Provider
	env := []string{
		"GRIDRUN_RUN_ID=" + r.Spec.RunID,
		"GRIDRUN_SESSION_INDEX=" + strconv.Itoa(r.Spec.Index),
		"GRIDRUN_SESSION_NAME=" + r.Spec.Name,
		"GRIDRUN_ATTEMPT=" + strconv.Itoa(r.Spec.Attempt),
		"GRIDRUN_CAPABILITIES=" + string(caps),
		"GRIDRUN_HELPERS=" + string(helpers),
		"GRIDRUN_HOST=" + p.Host,
		"GRIDRUN_USER=" + p.User,
		"GRIDRUN_KEY=" + p.Key,
		"GRIDRUN_SCRIPT_TIMEOUT=" + millis(r.Spec.Timeouts.Script),
		"GRIDRUN_PAGE_LOAD_TIMEOUT=" + millis(r.Spec.Timeouts.PageLoad),
		"GRIDRUN_IMPLICIT_WAIT=" + millis(r.Spec.Timeouts.ImplicitWait),
	}
	if p.Port > 0 {
		env = append(env, "GRIDRUN_PORT="+strconv.Itoa(p.Port))
	}
	if p.LocalIdentifier != "" {
		env = append(env, "GRIDRUN_LOCAL_IDENTIFIER="+p.LocalIdentifier)
	}

	extra, err := template.SubstituteMap(r.Spec.Driver.Env, vars)
	if err != nil {
		return nil, fmt.Errorf("expanding driver env: %w", err)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env, nil
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
