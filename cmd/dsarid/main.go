// Command dsarid is the scheduler daemon: it loads a job configuration
// (internal/config), opens the configured Store (internal/store),
// builds a Scheduler (internal/scheduler) and runs it in the
// foreground until a termination signal arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/rfinnie/dsari-go/internal/config"
	"github.com/rfinnie/dsari-go/internal/logger"
	"github.com/rfinnie/dsari-go/internal/metrics"
	"github.com/rfinnie/dsari-go/internal/scheduler"
	"github.com/rfinnie/dsari-go/internal/store"
)

// ServeFlags holds the daemon's persistent command-line flags.
type ServeFlags struct {
	ConfigPath  string
	DataDir     string
	Debug       bool
	NoTimestamp bool
	Daemonize   bool
	PidFile     string
	LogFile     string
}

func main() {
	flags := &ServeFlags{}

	root := &cobra.Command{
		Use:   "dsarid",
		Short: "dsari job scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(flags)
		},
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config-dir", "/etc/dsari", "directory holding dsari.yaml/dsari.json and config.d/ fragments")
	root.PersistentFlags().StringVar(&flags.DataDir, "data-dir", "", "override the configured data_dir")
	root.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "enable debug-level logging")
	root.PersistentFlags().BoolVar(&flags.NoTimestamp, "no-timestamp", false, "omit timestamps from console log output")
	root.PersistentFlags().BoolVar(&flags.Daemonize, "fork", false, "fork into the background after startup")
	root.PersistentFlags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	root.PersistentFlags().StringVar(&flags.LogFile, "logfile", "", "additionally log to this file (rotated)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(flags *ServeFlags) error {
	if flags.Daemonize {
		if !isDaemonSupported() {
			return fmt.Errorf("--fork is not supported on this platform")
		}
		// Only the re-executed background child returns from this.
		if err := daemonize(flags.LogFile); err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	lg, closer := logger.New(logger.Config{
		File:        flags.LogFile,
		Debug:       flags.Debug,
		NoTimestamp: flags.NoTimestamp,
		Color:       isatty.IsTerminal(os.Stderr.Fd()),
	})
	defer func() { _ = closer.Close() }()

	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	bgCtx := context.Background()
	if err := st.EnsureSchema(bgCtx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sched := scheduler.New(cfg, st, lg)

	runCtx, cancel := context.WithCancel(bgCtx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGUSR1)
	defer signal.Stop(sigCh)
	go handleSignals(runCtx, sigCh, sched, flags, lg)

	return sched.Run(runCtx)
}

// loadConfig loads the on-disk configuration and applies command-line
// overrides, so the initial load and SIGHUP reloads see the same view.
// A SQLite database with no configured path is placed at
// <data_dir>/dsari.db.
func loadConfig(flags *ServeFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}
	if (cfg.Database.Type == "" || cfg.Database.Type == "sqlite") && cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.DataDir, "dsari.db")
	}
	return cfg, nil
}

// handleSignals translates OS signals into Scheduler requests until
// ctx is canceled: INT/TERM shut down, HUP reloads, QUIT dumps status,
// USR1 wakes the loop.
func handleSignals(ctx context.Context, sigCh <-chan os.Signal, sched *scheduler.Scheduler, flags *ServeFlags, lg *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				lg.Info("received signal, beginning shutdown", "signal", sig)
				sched.RequestShutdown()
			case syscall.SIGHUP:
				lg.Info("received SIGHUP, reloading config", "config_dir", flags.ConfigPath)
				cfg, err := loadConfig(flags)
				if err != nil {
					lg.Error("config reload failed, keeping running config", "error", err)
					continue
				}
				sched.RequestReload(cfg)
			case syscall.SIGQUIT:
				fmt.Fprintln(os.Stderr, sched.RequestStatus(ctx))
			case syscall.SIGUSR1:
				sched.Wake()
			}
		}
	}
}
