// Command gridrun runs an e2e suite across a list of remote browsers, one
// worker process per browser session.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gridrun/internal/scheduler"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "gridrun",
		Short:         "Run e2e tests on remote browser grids in parallel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newWorkerCommand())
	return root
}

func main() {
	err := newRootCommand().Execute()
	if err == nil {
		os.Exit(scheduler.ExitOK)
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(scheduler.ExitConfig)
}
