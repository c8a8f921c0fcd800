//go:build !windows

package ipc

import (
	"os"
	"syscall"
)

// OpenEventPipe returns the event pipe inherited from the scheduler. The
// descriptor is marked close-on-exec so the driver does not hold it open.
func OpenEventPipe() *os.File {
	syscall.CloseOnExec(EventFD)
	return os.NewFile(EventFD, "events")
}
