package session

import (
	"github.com/tidwall/gjson"
)

// Driver record kinds, one JSON object per stdout line.
const (
	recordStart      = "start"
	recordTest       = "test"
	recordSession    = "session"
	recordScreenshot = "screenshot"
	recordTunnelLogs = "tunnel-logs"
	recordError      = "error"
)

const (
	statePassed  = "passed"
	stateFailed  = "failed"
	statePending = "pending"
)

type record struct {
	Event   string
	Total   int
	State   string
	Title   string
	ID      string
	URL     string
	Message string
}

// parseRecord reads a driver line. Lines that are not JSON objects with an
// "event" field are not records.
func parseRecord(line []byte) (record, bool) {
	if len(line) == 0 || line[0] != '{' || !gjson.ValidBytes(line) {
		return record{}, false
	}
	fields := gjson.GetManyBytes(line, "event", "total", "state", "title", "id", "url", "message")
	if fields[0].Type != gjson.String || fields[0].Str == "" {
		return record{}, false
	}
	return record{
		Event:   fields[0].Str,
		Total:   int(fields[1].Int()),
		State:   fields[2].String(),
		Title:   fields[3].String(),
		ID:      fields[4].String(),
		URL:     fields[5].String(),
		Message: fields[6].String(),
	}, true
}
