package scheduler

import (
	"gridrun/internal/capability"
	"gridrun/internal/config"
)

// localIdentifierKey is the per-capability BrowserStack Local tunnel id.
const localIdentifierKey = "browserstack.localIdentifier"

// Task is one capability to run, with the provider settings its workers get.
// It is owned by the scheduler's control goroutine.
type Task struct {
	capability.Descriptor
	Provider config.Provider
	Attempts int
}

// NewTasks builds tasks in input order. Capabilities are rewritten to
// BrowserStack naming when the provider host is BrowserStack, and a
// capability's local tunnel id is used when the run does not set one.
func NewTasks(raw []map[string]any, provider config.Provider) []*Task {
	var normalize func(map[string]any) map[string]any
	if capability.IsBrowserStack(provider.Host) {
		normalize = capability.ToBrowserStack
	}

	descs := capability.New(raw, normalize)
	tasks := make([]*Task, len(descs))
	for i, d := range descs {
		p := provider
		if p.LocalIdentifier == "" {
			p.LocalIdentifier = d.Get(localIdentifierKey)
		}
		tasks[i] = &Task{Descriptor: d, Provider: p}
	}
	return tasks
}
