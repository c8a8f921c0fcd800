//go:build windows

package ipc

import "os"

// OpenEventPipe returns nil: inherited descriptors are not available.
func OpenEventPipe() *os.File {
	return nil
}
