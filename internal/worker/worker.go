// Package worker launches one isolated OS process per session attempt and
// turns its event pipe and exit status into an ordered event stream.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridrun/internal/core"
	"gridrun/internal/ipc"
)

const (
	// drainTimeout bounds how long the event pipe is read after the process
	// is reaped. A grandchild that kept the write end open would otherwise
	// hold the stream forever.
	drainTimeout = 500 * time.Millisecond
	// waitDelay bounds how long Wait keeps copying stdout/stderr after exit.
	waitDelay = 2 * time.Second
)

// ErrNotStarted is returned when the worker process could not be spawned.
var ErrNotStarted = errors.New("worker not started")

// Spec describes one attempt to launch.
type Spec struct {
	Index int
	Name  string
	Blob  []byte // opaque payload handed to the worker as its last argument
}

// Launcher starts worker processes. By default it re-executes the running
// binary as "<exe> worker <blob>".
type Launcher struct {
	Path   string
	Args   []string
	Env    []string
	Logger *zap.Logger
}

func NewLauncher(logger *zap.Logger) (*Launcher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	return &Launcher{Path: exe, Args: []string{"worker"}, Logger: logger}, nil
}

// Launch starts the process for spec. The returned Handle streams its events
// until the process has been reaped.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotStarted, err)
	}
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: creating event pipe: %v", ErrNotStarted, err)
	}

	args := append(append([]string(nil), l.Args...), string(spec.Blob))
	cmd := exec.Command(l.Path, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.ExtraFiles = []*os.File{w} // fd 3 in the child
	cmd.WaitDelay = waitDelay

	h := &Handle{
		spec:    spec,
		cmd:     cmd,
		events:  make(chan core.Event),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
		quit:    make(chan struct{}),
		logger:  logger.With(zap.String("session", spec.Name), zap.Int("index", spec.Index)),
	}
	cmd.Stdout = &h.stdout
	cmd.Stderr = &h.stderr
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotStarted, err)
	}
	// The child holds its own copy; ours must go so the reader sees EOF.
	w.Close()
	h.logger.Debug("worker started", zap.Int("pid", cmd.Process.Pid))

	go h.wait(r)
	go h.read(r)
	return h, nil
}

// Handle is a live worker process.
type Handle struct {
	spec   Spec
	cmd    *exec.Cmd
	logger *zap.Logger

	events  chan core.Event
	done    chan struct{}
	drained chan struct{}
	quit    chan struct{}
	release sync.Once

	stdout lockedBuffer
	stderr lockedBuffer

	mu   sync.Mutex
	exit core.ExitStatus
}

// Events yields progress and diagnostic events in order, then exactly one
// exit event, then closes.
func (h *Handle) Events() <-chan core.Event { return h.events }

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exit returns the decoded exit status. Valid after Done is closed.
func (h *Handle) Exit() core.ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// Output returns what the worker wrote to stdout and stderr so far.
func (h *Handle) Output() (stdout, stderr string) {
	return h.stdout.String(), h.stderr.String()
}

// Signal delivers sig to the worker. No-op once the process is reaped.
func (h *Handle) Signal(sig os.Signal) error {
	if h.exited() {
		return nil
	}
	if err := h.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signaling worker %d: %w", h.cmd.Process.Pid, err)
	}
	return nil
}

// Kill terminates the worker and everything it spawned. No-op once the
// process is reaped.
func (h *Handle) Kill() error {
	if h.exited() {
		return nil
	}
	return killProcess(h.cmd)
}

// Release abandons the event stream. Pending sends are dropped and the
// reader goroutine exits. Safe to call more than once.
func (h *Handle) Release() {
	h.release.Do(func() { close(h.quit) })
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) wait(r *os.File) {
	status := ipc.DecodeWait(h.cmd.Wait())
	h.mu.Lock()
	h.exit = status
	h.mu.Unlock()
	close(h.done)
	h.logger.Debug("worker exited", zap.Int("code", status.Code), zap.Stringer("class", status.Class))

	select {
	case <-h.drained:
	case <-h.quit:
		r.Close()
	case <-time.After(drainTimeout):
		r.Close()
	}
}

func (h *Handle) read(r *os.File) {
	defer close(h.events)
	defer r.Close()

	dec := ipc.NewDecoder(r, h.spec.Index)
	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, ipc.ErrMalformed) {
				h.logger.Warn("dropping malformed worker message", zap.Error(err))
				continue
			}
			if !errors.Is(err, io.EOF) && !h.exited() {
				h.logger.Debug("event stream ended", zap.Error(err))
			}
			break
		}
		if !h.send(ev) {
			close(h.drained)
			return
		}
	}
	close(h.drained)

	select {
	case <-h.done:
	case <-h.quit:
		return
	}
	h.send(core.Event{Kind: core.EventExit, Index: h.spec.Index, Exit: h.Exit()})
}

func (h *Handle) send(ev core.Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.quit:
		return false
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
