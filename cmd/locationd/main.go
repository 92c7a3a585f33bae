package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
	"github.com/markus-lassfolk/locationd/pkg/pidfile"
	"github.com/markus-lassfolk/locationd/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultConfigPath, "Path to UCI configuration file")
	pidPath    = flag.String("pid-file", "", "Override PID file path")
	logLevel   = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	version    = flag.Bool("version", false, "Show version information")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
	once       = flag.Bool("once", false, "Acquire one position, print it as JSON and exit")
	probe      = flag.Bool("probe", false, "Ask every configured source for one fix, print the results and exit")
	timeout    = flag.Duration("timeout", 0, "Bound for -once and -probe (default: sum of tier deadlines)")
	watch      = flag.Bool("watch", false, "Restart the pipeline when `uci export locationd` changes")
)

const (
	AppName    = "locationd"
	AppVersion = "1.0.0"

	// Delay before tracking is restarted after a session ended on its own
	retryDelay = 30 * time.Second
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logger := logx.NewLogger(effectiveLogLevel(cfg), AppName)
	for _, w := range cfg.Warnings() {
		logger.Warn("config_option_ignored", "line", w.Line, "section", w.Section, "option", w.Option, "reason", w.Message)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *probe:
		os.Exit(runProbe(ctx, cfg, logger))
	case *once:
		os.Exit(runOnce(ctx, cfg, logger))
	}

	if !cfg.Enable {
		logger.Info("daemon_disabled", "config", *configPath)
		return
	}
	os.Exit(runDaemon(ctx, cfg, logger))
}

func effectiveLogLevel(cfg *uci.Config) string {
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	if *verbose {
		level = "trace"
	}
	return level
}

func runDaemon(ctx context.Context, cfg *uci.Config, logger *logx.Logger) int {
	path := cfg.PIDFile
	if *pidPath != "" {
		path = *pidPath
	}
	pidFile := pidfile.New(path)
	if err := pidFile.Create(); err != nil {
		logger.Error("pid_file_failed", "error", err, "path", path)
		if errors.Is(err, pidfile.ErrRunning) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("pid_file_remove_failed", "error", err)
		}
	}()

	logger.Info("daemon_starting", "version", AppVersion, "pid", os.Getpid(), "pid_file", path)

	for {
		runCtx, cancel := context.WithCancel(ctx)
		var reload atomic.Bool
		if *watch {
			client := uci.NewUCI(nil, logger)
			go func() {
				err := client.WatchConfig(runCtx, 15*time.Second, func() {
					reload.Store(true)
					cancel()
				})
				if err != nil && runCtx.Err() == nil {
					logger.Warn("config_watch_failed", "error", err)
				}
			}()
		}

		err := serve(runCtx, cfg, logger)
		cancel()
		if err != nil {
			logger.Error("daemon_failed", "error", err)
			return 1
		}
		if ctx.Err() != nil || !reload.Load() {
			break
		}

		next, err := uci.NewUCI(nil, logger).LoadConfig(ctx)
		if err != nil {
			logger.Error("config_reload_failed", "error", err)
			continue
		}
		cfg = next
		logger.SetLevel(effectiveLogLevel(cfg))
		logger.Info("config_reloaded")
	}

	logger.Info("daemon_stopped")
	return 0
}

// serve runs continuous tracking until ctx ends
func serve(ctx context.Context, cfg *uci.Config, logger *logx.Logger) error {
	st, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	if ok, err := st.coordinator.Initialize(ctx); err != nil {
		return err
	} else if !ok {
		logger.Warn("no_source_available")
	}

	st.startConsumers()
	if err := st.startAPI(); err != nil {
		return fmt.Errorf("failed to start API: %w", err)
	}

	events, unsubscribe := st.coordinator.Subscribe()
	defer unsubscribe()

	interval := cfg.Coordinator.UpdateInterval
	start := func() {
		ok, err := st.coordinator.StartTracking(ctx, interval, gps.QualityHints{})
		switch {
		case err != nil:
			logger.Warn("tracking_start_failed", "error", err)
		case !ok:
			logger.Warn("tracking_refused")
		}
	}
	start()

	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			st.coordinator.StopTracking()
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case gps.EventFailed, gps.EventServiceCompleted:
				logger.Info("tracking_ended", "event", ev.Type.String(), "reason", ev.Reason, "retry_in", retryDelay.String())
				retry = time.After(retryDelay)
			}
		case <-retry:
			retry = nil
			start()
		}
	}
}

func runOnce(ctx context.Context, cfg *uci.Config, logger *logx.Logger) int {
	st, err := buildStack(cfg, logger)
	if err != nil {
		logger.Error("setup_failed", "error", err)
		return 1
	}
	defer st.close()

	if _, err := st.coordinator.Initialize(ctx); err != nil {
		logger.Error("initialize_failed", "error", err)
		return 1
	}
	st.startConsumers()

	fix, err := st.coordinator.GetCurrentPosition(ctx, *timeout, gps.QualityHints{})
	if err != nil {
		logger.Error("no_position", "error", err)
		return 1
	}
	printJSON(fix)
	return 0
}

// probeResult is one line of -probe output
type probeResult struct {
	Provider  string           `json:"provider"`
	Available bool             `json:"available"`
	Fix       *gps.PositionFix `json:"fix,omitempty"`
	Error     string           `json:"error,omitempty"`
	Elapsed   string           `json:"elapsed"`
}

func runProbe(ctx context.Context, cfg *uci.Config, logger *logx.Logger) int {
	st, err := buildStack(cfg, logger)
	if err != nil {
		logger.Error("setup_failed", "error", err)
		return 1
	}
	defer st.close()

	limit := *timeout
	if limit <= 0 {
		limit = 30 * time.Second
	}

	failures := 0
	for _, src := range st.sources {
		began := time.Now()
		res := probeResult{Provider: src.Provider().String()}

		ok, err := src.Initialize(ctx)
		res.Available = ok && err == nil
		if err != nil {
			res.Error = err.Error()
		} else if ok {
			fix, err := src.OneShotFix(ctx, limit)
			if err != nil {
				res.Error = err.Error()
			}
			res.Fix = fix
		}
		if res.Fix == nil {
			failures++
		}
		res.Elapsed = time.Since(began).Round(time.Millisecond).String()
		printJSON(res)
	}
	if failures == len(st.sources) {
		return 1
	}
	return 0
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}
