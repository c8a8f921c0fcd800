package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"gridrun/internal/collector"
	"gridrun/internal/config"
	"gridrun/internal/logging"
	"gridrun/internal/progress"
	"gridrun/internal/scheduler"
	"gridrun/internal/session"
	"gridrun/internal/worker"
)

// Keys that flags and GRIDRUN_* environment variables may override.
const (
	keyMaxSessions = "max-sessions"
	keyUser        = "provider.user"
	keyKey         = "provider.key"
	keyOutput      = "output"
	keyQuiet       = "quiet"
	keyLogLevel    = "log.level"
)

func newRunCommand() *cobra.Command {
	var (
		configPath string
		v          *viper.Viper
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the suite against every configured browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadRunConfig(configPath, v)
			if err != nil {
				return exitCode(scheduler.ExitConfig, err)
			}
			code, err := runSuite(cmd.Context(), cfg, cmd.OutOrStdout())
			if err != nil {
				return exitCode(scheduler.ExitConfig, err)
			}
			if code != scheduler.ExitOK {
				return exitCode(code, nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "gridrun.yaml", "Path to the YAML run configuration")
	v = bindOverrides(cmd)
	return cmd
}

// bindOverrides registers the override flags on cmd and returns a viper
// instance resolving each key from its flag or GRIDRUN_* variable.
func bindOverrides(cmd *cobra.Command) *viper.Viper {
	flags := cmd.Flags()
	flags.Int(keyMaxSessions, 0, "Maximum concurrent sessions (0 = unbounded)")
	flags.String("user", "", "Provider user name")
	flags.String("key", "", "Provider access key")
	flags.StringP(keyOutput, "o", "", "Summary format: text, json")
	flags.BoolP(keyQuiet, "q", false, "Suppress progress output")
	flags.String("log-level", "", "Log level: debug, info, warn, error")

	v := viper.New()
	_ = v.BindPFlag(keyMaxSessions, flags.Lookup(keyMaxSessions))
	_ = v.BindPFlag(keyUser, flags.Lookup("user"))
	_ = v.BindPFlag(keyKey, flags.Lookup("key"))
	_ = v.BindPFlag(keyOutput, flags.Lookup(keyOutput))
	_ = v.BindPFlag(keyQuiet, flags.Lookup(keyQuiet))
	_ = v.BindPFlag(keyLogLevel, flags.Lookup("log-level"))

	v.SetEnvPrefix("GRIDRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// loadRunConfig reads the YAML file, applies flag and environment
// overrides, then validates the result.
func loadRunConfig(path string, v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, v *viper.Viper) {
	if v.IsSet(keyMaxSessions) {
		cfg.MaxSessions = v.GetInt(keyMaxSessions)
	}
	if v.IsSet(keyUser) {
		cfg.Provider.User = v.GetString(keyUser)
	}
	if v.IsSet(keyKey) {
		cfg.Provider.Key = v.GetString(keyKey)
	}
	if v.IsSet(keyOutput) {
		cfg.Output = v.GetString(keyOutput)
	}
	if v.IsSet(keyQuiet) {
		cfg.Quiet = v.GetBool(keyQuiet)
	}
	if v.IsSet(keyLogLevel) {
		cfg.Log.Level = v.GetString(keyLogLevel)
	}
}

// runSuite runs every configured session and writes the summary to out. The
// returned error is a setup failure; the run outcome is the exit code.
func runSuite(ctx context.Context, cfg *config.Config, out io.Writer) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return 0, err
	}
	defer func() { _ = logger.Sync() }()

	tests, err := config.ExpandGlobs(cfg.Tests)
	if err != nil {
		return 0, err
	}
	helpers, err := config.ExpandGlobs(cfg.Helpers)
	if err != nil {
		return 0, err
	}
	caps, err := cfg.ResolveCapabilities()
	if err != nil {
		return 0, err
	}
	if len(tests) == 0 {
		logger.Warn("no test files matched", zap.Strings("patterns", cfg.Tests))
	}

	launcher, err := worker.NewLauncher(logger)
	if err != nil {
		return 0, fmt.Errorf("locating worker binary: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	runID := uuid.NewString()
	tracker := progress.NewTracker(cfg.Quiet)

	sched := scheduler.New(scheduler.Options{
		MaxSessions:   cfg.MaxSessions,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
		ShutdownGrace: cfg.ShutdownGrace,
		LaunchRate:    cfg.LaunchRate,
		RunID:         runID,
		Base: session.Spec{
			Tests:         tests,
			Helpers:       helpers,
			Timeouts:      cfg.Timeouts,
			Driver:        cfg.Driver,
			ShutdownGrace: cfg.ShutdownGrace,
			LogLevel:      cfg.Log.Level,
		},
		Launch:  scheduler.ProcessLauncher(launcher),
		Tracker: tracker,
		Logger:  logger,
	})

	tasks := scheduler.NewTasks(caps, cfg.Provider)
	announce(tracker, len(tasks), cfg.MaxSessions)

	res, err := sched.Run(ctx, tasks)
	if err != nil {
		return 0, err
	}

	switch cfg.Output {
	case "json":
		collector.FormatJSON(out, res.Summary())
	default:
		collector.FormatText(out, res.Summary())
	}
	return res.ExitCode(), nil
}

func serveMetrics(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics endpoint stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

// announce prints the run banner on the progress stream.
func announce(tracker *progress.Tracker, sessions, maxSessions int) {
	tracker.Printf("Running %d session(s) with up to %s in parallel", sessions, parallelism(maxSessions))
}

func parallelism(n int) string {
	if n <= 0 {
		return "all"
	}
	return strconv.Itoa(n)
}
