package core

import (
	"strings"
	"sync"
)

// MockWriter is a thread-safe io.Writer that records progress and log output
// in tests.
type MockWriter struct {
	mu   sync.Mutex
	data []byte
}

func (w *MockWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data = append(w.data, p...)
	return len(p), nil
}

func (w *MockWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.data)
}

// Lines returns the non-empty lines written so far with terminal control
// sequences stripped.
func (w *MockWriter) Lines() []string {
	raw := strings.ReplaceAll(w.String(), "\033[K", "")
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
