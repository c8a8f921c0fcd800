// Package ipc is the worker-to-scheduler boundary: NDJSON progress and
// diagnostic messages on an inherited pipe, and exit codes decoded into
// core.ExitStatus.
package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"

	"gridrun/internal/core"
)

// EventFD is the file descriptor a worker finds its event pipe on.
const EventFD = 3

const maxLineSize = 1024 * 1024

// ErrMalformed is returned by Decoder.Next for a line that is not a valid
// message. The stream stays usable.
var ErrMalformed = errors.New("malformed message")

type message struct {
	Progress *progressMessage `json:"progress,omitempty"`
	E2E      *e2eMessage      `json:"e2e,omitempty"`
}

type progressMessage struct {
	Max   *int `json:"max,omitempty"`
	Index int  `json:"index"`
}

type e2eMessage struct {
	ScreenshotURL string `json:"screenshotUrl,omitempty"`
	TunnelLogsURL string `json:"tunnelLogsUrl,omitempty"`
}

// Encoder writes events, one JSON object per line. Safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes ev. Exit events are not part of the wire format; a worker
// reports its exit through its process status.
func (e *Encoder) Encode(ev core.Event) error {
	var msg message
	switch ev.Kind {
	case core.EventProgressInit:
		total := ev.Total
		msg.Progress = &progressMessage{Max: &total, Index: ev.Index}
	case core.EventProgressTick:
		msg.Progress = &progressMessage{Index: ev.Index}
	case core.EventDiagnostic:
		switch ev.Diagnostic {
		case core.DiagnosticScreenshot:
			msg.E2E = &e2eMessage{ScreenshotURL: ev.URL}
		case core.DiagnosticTunnelLogs:
			msg.E2E = &e2eMessage{TunnelLogsURL: ev.URL}
		default:
			return fmt.Errorf("unknown diagnostic %q", ev.Diagnostic)
		}
	default:
		return fmt.Errorf("cannot encode %s event", ev.Kind)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Kind, err)
	}
	return nil
}

// Decoder reads events written by an Encoder. Diagnostic messages carry no
// index on the wire and are attributed to the decoder's session index.
type Decoder struct {
	sc      *bufio.Scanner
	index   int
	pending []core.Event
}

func NewDecoder(r io.Reader, index int) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{sc: sc, index: index}
}

// Next returns the next event, io.EOF at the end of the stream, or an error
// wrapping ErrMalformed for an undecodable line.
func (d *Decoder) Next() (core.Event, error) {
	for len(d.pending) == 0 {
		if !d.sc.Scan() {
			if err := d.sc.Err(); err != nil {
				return core.Event{}, fmt.Errorf("reading events: %w", err)
			}
			return core.Event{}, io.EOF
		}
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		events, err := d.decode(line)
		if err != nil {
			return core.Event{}, err
		}
		d.pending = events
	}
	ev := d.pending[0]
	d.pending = d.pending[1:]
	return ev, nil
}

func (d *Decoder) decode(line []byte) ([]core.Event, error) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var events []core.Event
	if p := msg.Progress; p != nil {
		if p.Max != nil {
			events = append(events, core.Event{Kind: core.EventProgressInit, Index: p.Index, Total: *p.Max})
		} else {
			events = append(events, core.Event{Kind: core.EventProgressTick, Index: p.Index})
		}
	}
	if e := msg.E2E; e != nil {
		if e.ScreenshotURL != "" {
			events = append(events, core.Event{
				Kind: core.EventDiagnostic, Index: d.index,
				Diagnostic: core.DiagnosticScreenshot, URL: e.ScreenshotURL,
			})
		}
		if e.TunnelLogsURL != "" {
			events = append(events, core.Event{
				Kind: core.EventDiagnostic, Index: d.index,
				Diagnostic: core.DiagnosticTunnelLogs, URL: e.TunnelLogsURL,
			})
		}
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no progress or e2e field in %q", ErrMalformed, line)
	}
	return events, nil
}
