package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gridrun/internal/core"
	"gridrun/internal/ipc"
	"gridrun/internal/logging"
	"gridrun/internal/session"
)

// newWorkerCommand is the entry point of one session process. The scheduler
// starts it with the encoded session spec as the only argument.
func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker <spec>",
		Short:  "Run one browser session (internal)",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := session.DecodeSpec([]byte(args[0]))
			if err != nil {
				return exitCode(core.CodeFailed, err)
			}

			// stderr is captured by the scheduler and printed with the result.
			logger, err := logging.NewWriter(os.Stderr, "console", spec.LogLevel)
			if err != nil {
				logger = zap.NewNop()
			}
			defer func() { _ = logger.Sync() }()

			var events session.Emitter
			if pipe := ipc.OpenEventPipe(); pipe != nil {
				defer pipe.Close()
				events = ipc.NewEncoder(pipe)
			} else {
				logger.Debug("no event pipe, progress is not reported")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if code := session.Run(ctx, spec, events, logger); code != 0 {
				return exitCode(code, nil)
			}
			return nil
		},
	}
}
