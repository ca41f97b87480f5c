package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/Dicklesworthstone/sqlgate/internal/config"
)

const daemonModeEnv = config.EnvPrefix + "_DAEMON_MODE"

// ServerOptions configures daemon lifecycle behavior.
type ServerOptions struct {
	SocketPath string
	PIDFile    string
	Logger     *log.Logger
	// Viper, when set, is watched for config changes.
	Viper *viper.Viper
}

// OptionsFor derives lifecycle options from cfg.
func OptionsFor(cfg *config.Config) ServerOptions {
	return ServerOptions{
		SocketPath: cfg.Daemon.SocketPath,
		PIDFile:    cfg.Daemon.PIDFile,
	}
}

// StartDaemonWithOptions starts the daemon.
//
// If SQLGATE_DAEMON_MODE=1, it runs in-process (blocks until shutdown).
// Otherwise it forks a detached subprocess with SQLGATE_DAEMON_MODE=1 and returns.
func StartDaemonWithOptions(ctx context.Context, cfg *config.Config, opts ServerOptions) error {
	if daemonModeEnabled() {
		return RunDaemon(ctx, cfg, opts)
	}

	if running, pid := Running(opts); running {
		return fmt.Errorf("daemon already running (pid=%d)", pid)
	}

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonModeEnv+"=1")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon subprocess: %w", err)
	}

	if err := writePIDFile(opts.PIDFile, cmd.Process.Pid); err != nil {
		return err
	}

	// Detach so the daemon keeps running after the parent exits.
	_ = cmd.Process.Release()
	return nil
}

// StopDaemonWithOptions attempts to stop the daemon gracefully.
func StopDaemonWithOptions(opts ServerOptions, timeout time.Duration) error {
	pid, err := readPIDFile(opts.PIDFile)
	if err != nil {
		return fmt.Errorf("reading pid file: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		_ = proc.Signal(os.Interrupt)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			_ = os.Remove(opts.PIDFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("daemon did not exit within %s (pid=%d)", timeout, pid)
}

// RunDaemon serves the gateway in-process until a signal or ctx cancellation.
func RunDaemon(ctx context.Context, cfg *config.Config, opts ServerOptions) error {
	logger := opts.Logger
	if logger == nil {
		l, closer, err := newFileLogger(cfg.LogFile(), cfg.Level())
		if err != nil {
			return fmt.Errorf("init daemon logger: %w", err)
		}
		defer closer.Close()
		logger = l
	}

	if err := writePIDFile(opts.PIDFile, os.Getpid()); err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(opts.PIDFile)
	}()

	if err := os.MkdirAll(filepath.Dir(opts.SocketPath), 0750); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := NewRuntime(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	// Approvals left pending by a previous daemon cannot be awaited by anyone.
	if n, err := rt.Sweep(signalCtx); err != nil {
		logger.Warn("startup sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("expired stale approvals", "count", n)
	}

	ipcServer, err := NewIPCServer(opts.SocketPath, rt.Orchestrator, rt.Store, logger.WithPrefix("ipc"))
	if err != nil {
		return fmt.Errorf("creating ipc server: %w", err)
	}
	rt.Subscribe(ipcServer)

	go rt.Notifications.Run(signalCtx)
	go sweepLoop(signalCtx, rt, cfg.Daemon.SweepInterval)

	watcher := NewWatcher(cfg.State.Path, logger.WithPrefix("watch"))
	if err := watcher.Start(signalCtx); err != nil {
		logger.Warn("state watcher disabled; cross-process decisions rely on polling", "error", err)
	} else {
		defer watcher.Stop()
		go pokeOnChange(signalCtx, rt, watcher)
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := rt.Metrics.Serve(signalCtx, cfg.Metrics.Listen); err != nil {
				logger.Error("metrics server failed", "addr", cfg.Metrics.Listen, "error", err)
			}
		}()
	}

	if opts.Viper != nil && opts.Viper.ConfigFileUsed() != "" {
		if _, err := os.Stat(opts.Viper.ConfigFileUsed()); err == nil {
			config.Watch(opts.Viper, func(next *config.Config, ev fsnotify.Event, err error) {
				if err != nil {
					logger.Warn("ignoring invalid config change", "file", ev.Name, "error", err)
					return
				}
				rt.Apply(next)
				logger.Info("config reloaded", "file", ev.Name, "level", next.Log.Level)
			})
		}
	}

	logger.Info("daemon started",
		"pid", os.Getpid(),
		"pid_file", opts.PIDFile,
		"socket", opts.SocketPath,
		"dialect", rt.Target.Dialect)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ipcServer.Start(signalCtx)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("daemon stopping", "reason", "signal_or_context")
		if err := ipcServer.Stop(); err != nil {
			logger.Warn("ipc server stop error", "error", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil {
			logger.Error("ipc server failed", "error", err)
			return fmt.Errorf("ipc server: %w", err)
		}
		return nil
	}
}

func sweepLoop(ctx context.Context, rt *Runtime, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := rt.Sweep(ctx); err != nil {
				if ctx.Err() == nil {
					rt.Logger.Warn("sweep failed", "error", err)
				}
			} else if n > 0 {
				rt.Logger.Info("expired overdue approvals", "count", n)
			}
		}
	}
}

func pokeOnChange(ctx context.Context, rt *Runtime, w *Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.Events():
			rt.Gate.Poke()
		case err := <-w.Errors():
			rt.Logger.Debug("state watcher error", "error", err)
		}
	}
}

// newFileLogger appends to path, creating its directory.
func newFileLogger(path string, level log.Level) (*log.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	logger := log.NewWithOptions(f, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
		Prefix:          "sqlgate",
	})
	return logger, f, nil
}

func daemonModeEnabled() bool {
	v := strings.TrimSpace(os.Getenv(daemonModeEnv))
	return v == "1" || strings.EqualFold(v, "true")
}

// Running reports whether the pid file names a live process.
func Running(opts ServerOptions) (bool, int) {
	pid, err := readPIDFile(opts.PIDFile)
	if err != nil {
		return false, 0
	}
	if pid <= 0 {
		return false, 0
	}
	if !processAlive(pid) {
		return false, 0
	}
	return true, pid
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func writePIDFile(path string, pid int) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("pid file path is required")
	}
	if pid <= 0 {
		return fmt.Errorf("pid must be > 0")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating pid file dir: %w", err)
	}
	data := []byte(fmt.Sprintf("%d\n", pid))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func readPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("empty pid file")
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid pid: %w", err)
	}
	return pid, nil
}
