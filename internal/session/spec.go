// Package session is the worker side of a session attempt: it runs the
// driver command, turns its records into events, and picks the exit code.
package session

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"gridrun/internal/config"
)

// Spec is everything a worker needs, parsed once from its argument and
// passed explicitly to every collaborator.
type Spec struct {
	RunID         string          `json:"runId"`
	Index         int             `json:"index"`
	Name          string          `json:"name"`
	Attempt       int             `json:"attempt"`
	Capability    map[string]any  `json:"capability"`
	Tests         []string        `json:"tests"`
	Helpers       []string        `json:"helpers,omitempty"`
	Timeouts      config.Timeouts `json:"timeouts"`
	Provider      config.Provider `json:"provider"`
	Driver        config.Driver   `json:"driver"`
	ShutdownGrace time.Duration   `json:"shutdownGrace"`
	LogLevel      string          `json:"logLevel,omitempty"`
}

// Encode renders the spec as the worker argument.
func (s Spec) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding session spec: %w", err)
	}
	return data, nil
}

// DecodeSpec parses a worker argument.
func DecodeSpec(data []byte) (Spec, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return Spec{}, fmt.Errorf("decoding session spec: %w", err)
	}
	if s.Driver.Command == "" {
		return Spec{}, fmt.Errorf("decoding session spec: driver command is empty")
	}
	return s, nil
}
