package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dalnet/rulebot/internal/config"
	"github.com/dalnet/rulebot/internal/dispatch"
	"github.com/dalnet/rulebot/internal/irc"
	"github.com/dalnet/rulebot/internal/metric"
	"github.com/dalnet/rulebot/internal/plugins"
	"github.com/dalnet/rulebot/internal/rules"
	"github.com/dalnet/rulebot/internal/state"
	"github.com/dalnet/rulebot/internal/storage"
)

const envDaemon = "RULEBOT_DAEMON"

func newRunCommand(opts *rootOptions) *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the server and run the bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Daemonize unless -x flag is set
			if !foreground && os.Getenv(envDaemon) != "1" {
				return daemonize()
			}
			return run(cmd.Context(), opts.configPath)
		},
	}
	cmd.Flags().BoolVarP(&foreground, "foreground", "x", false, "run in foreground (don't daemonize)")
	return cmd
}

// daemonize re-executes the binary detached from the terminal and exits.
func daemonize() error {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), envDaemon+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to fork: %w", err)
	}
	fmt.Printf("Now becoming a daemon\nMy pid is %d\n", cmd.Process.Pid)
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func run(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// Make config path absolute
	if !filepath.IsAbs(configPath) {
		wd, _ := os.Getwd()
		configPath = filepath.Join(wd, configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	pidPath := filepath.Join(cfg.DataDir, "rulebot.pid")
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("Could not write PID file", "error", err)
	}
	defer os.Remove(pidPath)

	metrics := metric.NewRegistry()
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, metrics, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	memory, err := storage.OpenMemory(cfg.DataDir)
	if err != nil {
		return err
	}
	defer memory.Close()
	audit, err := storage.OpenAudit(cfg.DataDir)
	if err != nil {
		return err
	}

	registry := rules.NewRegistry(cfg.RuleSettings(), logger)
	deps := plugins.Deps{Registry: registry, Memory: memory, Audit: audit, Logger: logger}
	if err := plugins.Load(registry, cfg, deps, logger); err != nil {
		logger.Warn("Some plugins failed to load", "error", err)
	}
	defer registry.Shutdown()

	tracker := state.NewTracker(logger)
	dispatcher := dispatch.New(registry, tracker, cfg, dispatch.WithLogger(logger), dispatch.WithMetrics(metrics))
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := dispatcher.Stop(cfg.ShutdownGrace); err != nil {
			logger.Warn("Dispatcher did not stop cleanly", "error", err)
		}
	}()

	client := irc.NewClient(cfg, tracker, dispatcher, irc.WithLogger(logger), irc.WithMetrics(metrics))
	var registered atomic.Bool
	client.OnRegistered = func() { registered.Store(true) }

	// Signal handling
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return reconnect(ctx, client, &registered, newBackoff(time.Second, 5*time.Minute), logger)
}

func serveMetrics(addr string, reg *metric.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics endpoint failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("Serving metrics", "addr", addr)
	return srv
}

// runner is the part of irc.Client the reconnect loop drives.
type runner interface {
	Run(ctx context.Context) error
	QuitRequested() bool
}

// reconnect runs the client until ctx ends or the bot is told to quit,
// waiting a growing, jittered delay between failed connections. The delay
// starts over once a connection got registered.
func reconnect(ctx context.Context, client runner, registered *atomic.Bool, b *backoff, logger *slog.Logger) error {
	for {
		err := client.Run(ctx)
		if client.QuitRequested() || ctx.Err() != nil {
			logger.Info("Shut down", "error", err)
			return nil
		}
		if registered.Swap(false) {
			b.reset()
		}
		wait := b.next()
		logger.Warn("Disconnected, reconnecting", "error", err, "in", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

type backoff struct {
	min, max time.Duration
	attempt  int
	jitter   func(n int64) int64
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{min: min, max: max, jitter: rand.Int63n}
}

// next doubles the delay per attempt up to max and picks a random point in
// its upper half.
func (b *backoff) next() time.Duration {
	d := b.min << min(b.attempt, 30)
	if d <= 0 || d > b.max {
		d = b.max
	}
	b.attempt++
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(b.jitter(int64(half)))
}

func (b *backoff) reset() {
	b.attempt = 0
}
