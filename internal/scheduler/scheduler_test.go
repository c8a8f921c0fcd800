package scheduler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"gridrun/internal/collector"
	"gridrun/internal/config"
	"gridrun/internal/core"
	"gridrun/internal/progress"
	"gridrun/internal/session"
)

func recordOf(o core.Outcome) collector.Record {
	return collector.Record{Attempts: 1, Outcome: o}
}

func eventScreenshot(url string) core.Event {
	return core.Event{Kind: core.EventDiagnostic, Diagnostic: core.DiagnosticScreenshot, URL: url}
}

func testTasks(names ...string) []*Task {
	raw := make([]map[string]any, len(names))
	for i, n := range names {
		raw[i] = map[string]any{"browserName": n}
	}
	return NewTasks(raw, config.Provider{Host: "ondemand.saucelabs.com"})
}

func newTestScheduler(l *fakeLauncher, opts Options) *Scheduler {
	opts.Launch = l.launch
	opts.Base = session.Spec{Driver: config.Driver{Command: "driver"}}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = 50 * time.Millisecond
	}
	return New(opts)
}

func runAsync(s *Scheduler, ctx context.Context, tasks []*Task) <-chan *RunResult {
	ch := make(chan *RunResult, 1)
	go func() {
		res, err := s.Run(ctx, tasks)
		if err != nil {
			panic(err)
		}
		ch <- res
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan *RunResult) *RunResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
		return nil
	}
}

func TestRun_EmptyTaskList(t *testing.T) {
	l := newFakeLauncher()
	s := newTestScheduler(l, Options{})

	res, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Nil(t, res.Halt)
	assert.Equal(t, ExitOK, res.ExitCode())
	assert.Zero(t, l.launchCount())
}

func TestRun_NoLauncher(t *testing.T) {
	_, err := New(Options{}).Run(context.Background(), testTasks("chrome"))
	assert.Error(t, err)
}

func TestRun_AllPassWithinBound(t *testing.T) {
	l := newFakeLauncher()
	out := &core.MockWriter{}
	tracker := progress.NewTracker(false)
	tracker.SetOutput(out)
	s := newTestScheduler(l, Options{MaxSessions: 2, Tracker: tracker})

	res, err := s.Run(context.Background(), testTasks("chrome", "firefox", "safari"))
	require.NoError(t, err)

	assert.Equal(t, []core.Outcome{core.Success(), core.Success(), core.Success()}, res.Outcomes())
	assert.Equal(t, ExitOK, res.ExitCode())
	assert.LessOrEqual(t, l.peak, 2)
	assert.Equal(t, 3, l.launchCount())

	lines := out.Lines()
	require.NotEmpty(t, lines)
	assert.Equal(t, "Starting to test 3 browser(s)", lines[0])
	assert.Contains(t, lines, "[firefox] ending tests")
}

func TestRun_AdmitsInInputOrder(t *testing.T) {
	l := newFakeLauncher()
	s := newTestScheduler(l, Options{MaxSessions: 1})

	_, err := s.Run(context.Background(), testTasks("a", "b", "c", "d"))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, l.order())
}

func TestRun_WorkerSpecCarriesSession(t *testing.T) {
	l := newFakeLauncher()
	s := newTestScheduler(l, Options{RunID: "run-42"})

	_, err := s.Run(context.Background(), testTasks("chrome"))
	require.NoError(t, err)

	require.Equal(t, 1, l.launchCount())
	spec := l.launches[0]
	assert.Equal(t, "run-42", spec.RunID)
	assert.Equal(t, "chrome", spec.Name)
	assert.Equal(t, 1, spec.Attempt)
	assert.Equal(t, "chrome", spec.Capability["browserName"])
	assert.Equal(t, "driver", spec.Driver.Command)
}

func TestRun_CapacityRetriesUntilSuccess(t *testing.T) {
	l := newFakeLauncher().script(0, exitWith(core.CodeCapacity), exitWith(core.CodeCapacity), exitWith(0))
	s := newTestScheduler(l, Options{MaxSessions: 1})

	res, err := s.Run(context.Background(), testTasks("chrome", "firefox"))
	require.NoError(t, err)

	assert.Equal(t, core.Success(), res.Records[0].Outcome)
	assert.Equal(t, 3, res.Records[0].Attempts)
	assert.Equal(t, 4, l.launchCount())
	assert.Equal(t, ExitOK, res.ExitCode())
	assert.Equal(t, 2, res.Summary().Retries)
}

func TestRun_RetryWaitsOnClock(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	l := newFakeLauncher().script(0, exitWith(core.CodeCapacity), exitWith(0))
	s := newTestScheduler(l, Options{RetryDelay: time.Minute, Clock: clock})

	done := runAsync(s, context.Background(), testTasks("chrome"))

	require.Eventually(t, func() bool { return clock.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, l.launchCount(), "retry must wait for the delay")

	clock.Advance(time.Minute)
	res := waitResult(t, done)
	assert.Equal(t, core.Success(), res.Records[0].Outcome)
	assert.Equal(t, 2, l.launchCount())
}

func TestRun_RetryLimit(t *testing.T) {
	l := newFakeLauncher().script(0, exitWith(core.CodeCapacity))
	s := newTestScheduler(l, Options{MaxRetries: 2})

	res, err := s.Run(context.Background(), testTasks("chrome"))
	require.NoError(t, err)

	assert.Equal(t, core.Failure(reasonRetryLimit), res.Records[0].Outcome)
	assert.Equal(t, 3, l.launchCount())
	assert.Equal(t, ExitFailures, res.ExitCode())
}

func TestRun_FailureDoesNotRetry(t *testing.T) {
	l := newFakeLauncher().script(1, exitWith(core.CodeFailed))
	s := newTestScheduler(l, Options{})

	res, err := s.Run(context.Background(), testTasks("chrome", "firefox"))
	require.NoError(t, err)

	assert.Equal(t, core.Success(), res.Records[0].Outcome)
	assert.Equal(t, core.Failure("worker exited with code 1"), res.Records[1].Outcome)
	assert.Equal(t, 2, l.launchCount())
	assert.Equal(t, ExitFailures, res.ExitCode())
}

func TestRun_QuotaHaltsRun(t *testing.T) {
	l := newFakeLauncher().
		script(0, hang(true)).
		script(1, hang(false)).
		script(2, exitWith(core.CodeQuota))
	s := newTestScheduler(l, Options{MaxSessions: 3})

	res, err := s.Run(context.Background(), testTasks("chrome", "firefox", "safari", "edge"))
	require.NoError(t, err)

	require.NotNil(t, res.Halt)
	assert.Equal(t, HaltQuota, res.Halt.Cause)
	assert.Equal(t, "safari", res.Halt.Session)
	assert.Equal(t, ExitQuota, res.ExitCode())
	assert.False(t, res.Interrupted)

	assert.Equal(t, core.Success(), res.Records[0].Outcome, "exited 0 within the grace period")
	assert.Equal(t, core.FatalAbort("terminated: daily limit reached"), res.Records[1].Outcome)
	assert.Equal(t, core.FatalAbort("daily limit reached"), res.Records[2].Outcome)
	assert.Equal(t, core.FatalAbort("not started: daily limit reached"), res.Records[3].Outcome)
	assert.Equal(t, 3, l.launchCount())

	for _, idx := range []int{0, 1} {
		signals, _ := l.workerFor(idx).counts()
		assert.Equal(t, 1, signals, "worker %d signaled once", idx)
	}
	_, kills := l.workerFor(1).counts()
	assert.Equal(t, 1, kills)
}

func TestRun_ConcurrentQuotaHaltsOnce(t *testing.T) {
	l := newFakeLauncher().
		script(0, exitWith(core.CodeQuota)).
		script(1, quotaOnInterrupt).
		script(2, hang(true))
	s := newTestScheduler(l, Options{MaxSessions: 3})

	res, err := s.Run(context.Background(), testTasks("chrome", "firefox", "safari", "edge"))
	require.NoError(t, err)

	require.NotNil(t, res.Halt)
	assert.Equal(t, &Halt{Cause: HaltQuota, Reason: "daily limit reached", Session: "chrome"}, res.Halt)
	assert.Equal(t, ExitQuota, res.ExitCode())

	require.Len(t, res.Records, 4)
	assert.Equal(t, core.FatalAbort("daily limit reached"), res.Records[0].Outcome)
	assert.Equal(t, core.FatalAbort("terminated: daily limit reached"), res.Records[1].Outcome)
	assert.Equal(t, 1, res.Records[1].Attempts)
	assert.Equal(t, core.Success(), res.Records[2].Outcome)
	assert.Equal(t, core.FatalAbort("not started: daily limit reached"), res.Records[3].Outcome)
}

func TestRun_SimultaneousQuotaExits(t *testing.T) {
	l := newFakeLauncher().
		script(0, exitWith(core.CodeQuota)).
		script(1, exitWith(core.CodeQuota))
	s := newTestScheduler(l, Options{})

	res, err := s.Run(context.Background(), testTasks("chrome", "firefox"))
	require.NoError(t, err)

	require.NotNil(t, res.Halt)
	assert.Equal(t, HaltQuota, res.Halt.Cause)
	assert.Contains(t, []string{"chrome", "firefox"}, res.Halt.Session)
	require.Len(t, res.Records, 2)
	for _, rec := range res.Records {
		assert.Equal(t, core.OutcomeFatalAbort, rec.Outcome.Kind, rec.Name)
	}
	assert.Equal(t, ExitQuota, res.ExitCode())
}

func TestRun_HaltKeepsOutcomeOfReapedWorkers(t *testing.T) {
	l := newFakeLauncher()
	l.script(0, func(w *fakeWorker) {
		for !reaped(l, 1) || !reaped(l, 2) {
			time.Sleep(time.Millisecond)
		}
		exitWith(core.CodeQuota)(w)
	}).
		script(1, reapSilently(1)).
		script(2, reapSilently(core.CodeCapacity))
	s := newTestScheduler(l, Options{})

	res, err := s.Run(context.Background(), testTasks("chrome", "firefox", "safari"))
	require.NoError(t, err)

	require.NotNil(t, res.Halt)
	assert.Equal(t, "chrome", res.Halt.Session)
	assert.Equal(t, core.Failure("worker exited with code 1"), res.Records[1].Outcome)
	assert.Equal(t, core.Failure("retry cancelled: daily limit reached"), res.Records[2].Outcome)

	for _, idx := range []int{1, 2} {
		signals, kills := l.workerFor(idx).counts()
		assert.Zero(t, signals)
		assert.Zero(t, kills)
	}
}

func reaped(l *fakeLauncher, index int) bool {
	w := l.workerFor(index)
	return w != nil && w.exited()
}

func TestRun_InterruptCancelsEverything(t *testing.T) {
	l := newFakeLauncher().
		script(0, exitWith(core.CodeCapacity)).
		script(1, hang(false))
	s := newTestScheduler(l, Options{MaxSessions: 1, RetryDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(s, ctx, testTasks("chrome", "firefox", "safari"))

	require.True(t, l.waitLaunches(2, 5*time.Second))
	cancel()
	res := waitResult(t, done)

	assert.True(t, res.Interrupted)
	require.NotNil(t, res.Halt)
	assert.Equal(t, HaltInterrupted, res.Halt.Cause)
	assert.Equal(t, ExitInterrupted, res.ExitCode())

	assert.Equal(t, core.Failure("retry cancelled: interrupted"), res.Records[0].Outcome)
	assert.Equal(t, core.FatalAbort("terminated: interrupted"), res.Records[1].Outcome)
	assert.Equal(t, core.FatalAbort("not started: interrupted"), res.Records[2].Outcome)
}

func TestRun_SpawnFailure(t *testing.T) {
	l := newFakeLauncher()
	l.failIndex[1] = true
	s := newTestScheduler(l, Options{})

	res, err := s.Run(context.Background(), testTasks("chrome", "firefox"))
	require.NoError(t, err)

	assert.Equal(t, core.Success(), res.Records[0].Outcome)
	assert.Equal(t, core.OutcomeFailure, res.Records[1].Outcome.Kind)
	assert.Contains(t, res.Records[1].Outcome.Reason, "worker not started")
	assert.Equal(t, ExitFailures, res.ExitCode())
}

func TestRun_PanicInPlumbingFailsOnlyThatSession(t *testing.T) {
	l := newFakeLauncher()
	l.panicIdx[0] = true
	s := newTestScheduler(l, Options{})

	res, err := s.Run(context.Background(), testTasks("chrome", "firefox"))
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeFailure, res.Records[0].Outcome.Kind)
	assert.Contains(t, res.Records[0].Outcome.Reason, "panic")
	assert.Equal(t, core.Success(), res.Records[1].Outcome)

	_, kills := l.workerFor(0).counts()
	assert.Equal(t, 1, kills)
}

func TestRun_LogsOutputAndDiagnostics(t *testing.T) {
	obs, logs := observer.New(zap.InfoLevel)
	l := newFakeLauncher().script(0, func(w *fakeWorker) {
		w.emit(eventScreenshot("https://shots/1.png"))
		exitWith(1)(w)
	})
	s := newTestScheduler(l, Options{Logger: zap.New(obs)})

	res, err := s.Run(context.Background(), testTasks("chrome"))
	require.NoError(t, err)

	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, "https://shots/1.png", res.Diagnostics[0].URL)
	assert.Equal(t, "chrome", res.Diagnostics[0].Session)

	assert.Equal(t, 1, logs.FilterMessage("[chrome] RESULT\n1 passing").Len())
	shots := logs.FilterMessage("screenshot").All()
	require.Len(t, shots, 1)
	assert.Equal(t, "https://shots/1.png", shots[0].ContextMap()["url"])
}

func TestRun_WorkerStderrLevel(t *testing.T) {
	t.Run("passing session", func(t *testing.T) {
		obs, logs := observer.New(zap.DebugLevel)
		l := newFakeLauncher().script(0, func(w *fakeWorker) {
			w.setStderr("INFO\tremote session established")
			exitWith(0)(w)
		})
		s := newTestScheduler(l, Options{Logger: zap.New(obs)})

		res, err := s.Run(context.Background(), testTasks("chrome"))
		require.NoError(t, err)
		require.Equal(t, core.Success(), res.Records[0].Outcome)

		assert.Zero(t, logs.FilterLevelExact(zap.ErrorLevel).Len())
		assert.Equal(t, 1, logs.FilterMessage("[chrome] ERROR\nINFO\tremote session established").
			FilterLevelExact(zap.InfoLevel).Len())

		for _, entry := range logs.All() {
			ids := 0
			for _, f := range entry.Context {
				if f.Key == "run_id" {
					ids++
				}
			}
			assert.Equal(t, 1, ids, "run_id on %q", entry.Message)
		}
	})

	t.Run("failing session", func(t *testing.T) {
		obs, logs := observer.New(zap.DebugLevel)
		l := newFakeLauncher().script(0, func(w *fakeWorker) {
			w.setStderr("ERROR\tdriver failed")
			exitWith(1)(w)
		})
		s := newTestScheduler(l, Options{Logger: zap.New(obs)})

		_, err := s.Run(context.Background(), testTasks("chrome"))
		require.NoError(t, err)
		assert.Equal(t, 1, logs.FilterMessage("[chrome] ERROR\nERROR\tdriver failed").
			FilterLevelExact(zap.ErrorLevel).Len())
	})
}

func TestRun_LaunchPacing(t *testing.T) {
	l := newFakeLauncher()
	s := newTestScheduler(l, Options{LaunchRate: 20})

	start := time.Now()
	_, err := s.Run(context.Background(), testTasks("a", "b", "c", "d"))
	require.NoError(t, err)

	// first launch is free, the next three are 50ms apart
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestRun_ConcurrencyBoundHolds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "sessions")
		maxSessions := rapid.IntRange(0, 4).Draw(rt, "maxSessions")

		l := newFakeLauncher()
		names := make([]string, n)
		for i := range names {
			names[i] = fmt.Sprintf("s%d", i)
			code := rapid.SampledFrom([]int{0, 1, 3}).Draw(rt, fmt.Sprintf("code%d", i))
			if code == core.CodeCapacity {
				l.script(i, exitWith(code), exitWith(0))
			} else {
				l.script(i, exitWith(code))
			}
		}
		s := newTestScheduler(l, Options{MaxSessions: maxSessions, RetryDelay: time.Millisecond})

		res, err := s.Run(context.Background(), testTasks(names...))
		if err != nil {
			rt.Fatal(err)
		}

		if maxSessions > 0 && l.peak > maxSessions {
			rt.Fatalf("peak %d exceeds bound %d", l.peak, maxSessions)
		}
		retries := 0
		for i, rec := range res.Records {
			if !rec.Outcome.Terminal() || rec.Outcome.Kind == 0 {
				rt.Fatalf("session %d has no final outcome: %v", i, rec.Outcome)
			}
			retries += rec.Attempts - 1
		}
		if l.launchCount() != n+retries {
			rt.Fatalf("launches = %d, want %d", l.launchCount(), n+retries)
		}
	})
}

func TestNewTasks(t *testing.T) {
	raw := []map[string]any{
		{"browserName": "chrome", "version": "50", "platform": "Windows 10", "browserstack.localIdentifier": "tunnel-1"},
		{"browserName": "firefox", "platform": "Linux"},
	}

	tasks := NewTasks(raw, config.Provider{Host: "hub.browserstack.com"})
	require.Len(t, tasks, 2)

	assert.Equal(t, 0, tasks[0].Index)
	assert.Equal(t, "tunnel-1", tasks[0].Provider.LocalIdentifier)
	assert.Equal(t, "Chrome", tasks[0].Attrs["browser"], "browserstack naming applied")
	assert.Equal(t, 1, tasks[1].Index)
	assert.Empty(t, tasks[1].Provider.LocalIdentifier)
	assert.Equal(t, "firefox Linux", tasks[1].Name)

	withRunTunnel := NewTasks(raw, config.Provider{Host: "hub.browserstack.com", LocalIdentifier: "run"})
	assert.Equal(t, "run", withRunTunnel[0].Provider.LocalIdentifier)

	sauce := NewTasks(raw, config.Provider{Host: "ondemand.saucelabs.com"})
	assert.Equal(t, "chrome 50 Windows 10", sauce[0].Name)
	assert.NotContains(t, sauce[0].Attrs, "browser")
	assert.NotContains(t, raw[0], "browser", "input maps are not modified")
}

func TestRunResult_ExitCode(t *testing.T) {
	ok := []core.Outcome{core.Success()}
	failed := []core.Outcome{core.Success(), core.Failure("x")}

	tests := []struct {
		name     string
		outcomes []core.Outcome
		halt     *Halt
		intr     bool
		want     int
	}{
		{"all passed", ok, nil, false, ExitOK},
		{"a failure", failed, nil, false, ExitFailures},
		{"quota halt", failed, &Halt{Cause: HaltQuota}, false, ExitQuota},
		{"interrupted", failed, &Halt{Cause: HaltInterrupted}, true, ExitInterrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &RunResult{Halt: tt.halt, Interrupted: tt.intr}
			for _, o := range tt.outcomes {
				res.Records = append(res.Records, recordOf(o))
			}
			assert.Equal(t, tt.want, res.ExitCode())
		})
	}
}

func TestRunResult_SummaryCarriesHalt(t *testing.T) {
	res := &RunResult{
		Records: []collector.Record{recordOf(core.FatalAbort("daily limit reached"))},
		Halt:    &Halt{Cause: HaltQuota, Reason: "daily limit reached"},
	}
	s := res.Summary()
	assert.Equal(t, "daily limit reached", s.Halt)
	assert.Equal(t, 1, s.Aborted)
	assert.True(t, strings.HasPrefix(HaltQuota.String(), "quota"))
}
