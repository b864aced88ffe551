package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"flow-hq/domains/pkg/config"
	"flow-hq/domains/pkg/domainerr"
	"flow-hq/domains/pkg/ownership"
)

const (
	PIDFileName = "domainsd.pid"
	LogFileName = "domainsd.log"

	pollInterval = 100 * time.Millisecond
)

// NativeOptions are optional collaborators of NativeEngine.
type NativeOptions struct {
	// Executable is the binary to re-execute. Default: os.Executable().
	Executable string

	// ConfigPath is passed to the daemon as --config when set.
	ConfigPath string

	Processes Processes
	Probe     ProbeFunc
	Logger    *slog.Logger
}

// NativeEngine runs this binary's `serve` command as a background daemon.
type NativeEngine struct {
	cfg        *config.Config
	executable string
	configPath string
	procs      Processes
	probe      ProbeFunc
	logger     *slog.Logger
}

// NewNative creates the native engine for cfg.
func NewNative(cfg *config.Config, opts NativeOptions) *NativeEngine {
	if opts.Processes == nil {
		opts.Processes = SystemProcesses{}
	}
	if opts.Probe == nil {
		opts.Probe = Probe
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &NativeEngine{
		cfg:        cfg,
		executable: opts.Executable,
		configPath: opts.ConfigPath,
		procs:      opts.Processes,
		probe:      opts.Probe,
		logger:     opts.Logger.With("component", "engine.native"),
	}
}

func (n *NativeEngine) Kind() Kind { return KindNative }

// PIDPath returns the daemon pid file path.
func (n *NativeEngine) PIDPath() string {
	return filepath.Join(n.cfg.StateDir, PIDFileName)
}

// LogPath returns the daemon log file path.
func (n *NativeEngine) LogPath() string {
	return filepath.Join(n.cfg.StateDir, LogFileName)
}

// Start spawns the daemon and waits for its health endpoint.
func (n *NativeEngine) Start(ctx context.Context) (*ownership.Record, error) {
	exe := n.executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("failed to locate the domains binary: %w", err)
		}
	}
	if err := os.MkdirAll(n.cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	offset := fileSize(n.LogPath())
	pid, err := n.procs.Spawn(SpawnSpec{
		Path:    exe,
		Args:    n.serveArgs(),
		Dir:     n.cfg.StateDir,
		LogFile: n.LogPath(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn native engine: %w", err)
	}
	n.logger.Info("native engine spawned", "pid", pid, "listen", n.cfg.Proxy.ListenAddress)

	timeout := n.cfg.Native.StartupTimeout
	if timeout <= 0 {
		timeout = config.DefaultNativeStartupTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if _, err := n.probe(waitCtx, n.cfg.Proxy.ListenAddress); err == nil {
			rec := ownership.NewRecord(KindNative, n.cfg.Proxy.ListenAddress)
			rec.PID = pid
			return rec, nil
		}
		if !n.procs.Alive(pid) {
			return nil, n.startFailure(pid, "exited during startup", offset)
		}

		select {
		case <-waitCtx.Done():
			_ = n.procs.Signal(pid, SignalKill)
			return nil, n.startFailure(pid, fmt.Sprintf("did not become healthy within %s", timeout), offset)
		case <-ticker.C:
		}
	}
}

// serveArgs passes every tunable explicitly so the daemon runs with the
// configuration `up` was invoked with.
func (n *NativeEngine) serveArgs() []string {
	p, pool := n.cfg.Proxy, n.cfg.Pool
	args := []string{"serve"}
	if n.configPath != "" {
		args = append(args, "--config", n.configPath)
	}
	args = append(args,
		"--state-dir", n.cfg.StateDir,
		"--listen", p.ListenAddress,
		"--pidfile", n.PIDPath(),
		"--max-active-clients", strconv.Itoa(p.MaxActiveClients),
		"--upstream-connect-timeout-ms", strconv.Itoa(p.UpstreamConnectTimeoutMS),
		"--upstream-io-timeout-ms", strconv.Itoa(p.UpstreamIOTimeoutMS),
		"--client-io-timeout-ms", strconv.Itoa(p.ClientIOTimeoutMS),
		"--pool-max-idle-per-key", strconv.Itoa(pool.MaxIdlePerKey),
		"--pool-max-idle-total", strconv.Itoa(pool.MaxIdleTotal),
		"--pool-idle-timeout-ms", strconv.Itoa(pool.IdleTimeoutMS),
		"--pool-max-age-ms", strconv.Itoa(pool.MaxAgeMS),
	)
	return args
}

func (n *NativeEngine) startFailure(pid int, what string, logOffset int64) error {
	tail := readFrom(n.LogPath(), logOffset, 8192)
	lower := strings.ToLower(tail)

	switch {
	case strings.Contains(lower, "address already in use"):
		return &domainerr.PortConflictError{
			Port:  ownership.PortOf(n.cfg.Proxy.ListenAddress),
			Owner: "another process",
		}
	case strings.Contains(lower, "permission denied"):
		return fmt.Errorf("native engine (pid %d) could not bind %s: permission denied; "+
			"binding a privileged port needs elevated rights (e.g. `sudo setcap cap_net_bind_service=+ep $(which domains)`), "+
			"or use --engine container; log: %s", pid, n.cfg.Proxy.ListenAddress, n.LogPath())
	default:
		return fmt.Errorf("native engine (pid %d) %s; check logs: %s", pid, what, n.LogPath())
	}
}

// Stop sends SIGTERM, waits for the stop timeout, then SIGKILL.
func (n *NativeEngine) Stop(ctx context.Context, rec *ownership.Record) error {
	defer os.Remove(n.PIDPath())

	pid := rec.PID
	if pid <= 0 || !n.procs.Alive(pid) {
		return nil
	}

	if err := n.procs.Signal(pid, SignalTerminate); err != nil {
		if errors.Is(err, ErrProcessGone) {
			return nil
		}
		return err
	}

	timeout := n.cfg.Native.StopTimeout
	if timeout <= 0 {
		timeout = config.DefaultNativeStopTimeout
	}
	if n.waitExit(ctx, pid, timeout) {
		n.logger.Info("native engine stopped", "pid", pid)
		return nil
	}

	n.logger.Warn("native engine ignored SIGTERM, killing", "pid", pid)
	if err := n.procs.Signal(pid, SignalKill); err != nil && !errors.Is(err, ErrProcessGone) {
		return err
	}
	if !n.waitExit(ctx, pid, time.Second) {
		return fmt.Errorf("native engine (pid %d) is still running after SIGKILL", pid)
	}
	return nil
}

func (n *NativeEngine) waitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval / 2)
	defer ticker.Stop()

	for {
		if !n.procs.Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !n.procs.Alive(pid)
		case <-ticker.C:
		}
	}
}

// Reload sends SIGHUP. The daemon also watches routes.json itself, so this
// only shortens the delay.
func (n *NativeEngine) Reload(_ context.Context, rec *ownership.Record) error {
	if err := n.procs.Signal(rec.PID, SignalReload); err != nil {
		return fmt.Errorf("failed to reload native engine: %w", err)
	}
	return nil
}

// Alive requires both the recorded pid and a healthy endpoint.
func (n *NativeEngine) Alive(ctx context.Context, rec *ownership.Record) bool {
	if rec.PID <= 0 || !n.procs.Alive(rec.PID) {
		return false
	}
	_, err := n.probe(ctx, recordAddress(rec, n.cfg.Proxy.ListenAddress))
	return err == nil
}

// Adopt recognises a native daemon that answers the health probe on the
// contested port.
func (n *NativeEngine) Adopt(ctx context.Context, l *ownership.Listener) (*ownership.Record, bool) {
	if l.ContainerName != "" {
		return nil, false
	}
	if _, err := n.probe(ctx, n.cfg.Proxy.ListenAddress); err != nil {
		return nil, false
	}

	pid := l.PID
	if pid <= 0 {
		pid = readPID(n.PIDPath())
	}
	if pid <= 0 || !n.procs.Alive(pid) {
		return nil, false
	}

	rec := ownership.NewRecord(KindNative, n.cfg.Proxy.ListenAddress)
	rec.PID = pid
	return rec, true
}

// Doctor reports pid file, process and health endpoint state.
func (n *NativeEngine) Doctor(ctx context.Context, rec *ownership.Record) []Check {
	var checks []Check

	filePID := readPID(n.PIDPath())
	switch {
	case filePID > 0:
		checks = append(checks, ok("native.pidfile", "%s contains pid %d", n.PIDPath(), filePID))
	default:
		checks = append(checks, ok("native.pidfile", "no pid file at %s", n.PIDPath()))
	}

	if rec == nil || rec.Engine != KindNative {
		if filePID > 0 && n.procs.Alive(filePID) {
			checks = append(checks, warn("native.process", "pid %d from the pid file is running without an ownership record", filePID))
		}
		return checks
	}

	if filePID > 0 && filePID != rec.PID {
		checks = append(checks, warn("native.pidfile", "pid file says %d but the record says %d", filePID, rec.PID))
	}

	if n.procs.Alive(rec.PID) {
		checks = append(checks, ok("native.process", "pid %d is running", rec.PID))
	} else {
		checks = append(checks, fail("native.process", "recorded pid %d is not running", rec.PID))
	}

	address := recordAddress(rec, n.cfg.Proxy.ListenAddress)
	if h, err := n.probe(ctx, address); err != nil {
		checks = append(checks, fail("native.health", "health probe on %s failed: %v", address, err))
	} else {
		checks = append(checks, ok("native.health", "%s", h.Summary()))
	}

	if tail := readFrom(n.LogPath(), fileSize(n.LogPath())-4096, 4096); strings.Contains(strings.ToLower(tail), "permission denied") {
		checks = append(checks, warn("native.log", "recent permission denied errors in %s", n.LogPath()))
	}
	return checks
}

func recordAddress(rec *ownership.Record, fallback string) string {
	if rec != nil && rec.ListenAddress != "" {
		return rec.ListenAddress
	}
	return fallback
}

// WritePIDFile writes pid to path atomically enough for a single writer.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// readPID returns the pid stored at path, or 0.
func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// readFrom returns up to max bytes of path starting at offset.
func readFrom(path string, offset int64, max int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	var b bytes.Buffer
	_, _ = io.Copy(&b, io.LimitReader(f, max))
	return b.String()
}
