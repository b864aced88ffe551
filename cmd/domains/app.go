package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"flow-hq/domains/internal/execx"
	"flow-hq/domains/pkg/cli"
	"flow-hq/domains/pkg/config"
	"flow-hq/domains/pkg/domains"
	"flow-hq/domains/pkg/engine"
	"flow-hq/domains/pkg/events"
	"flow-hq/domains/pkg/events/storage"
	"flow-hq/domains/pkg/ownership"
	"flow-hq/domains/pkg/routes"
	"flow-hq/domains/pkg/telemetry/logging"
)

var outputFlag string

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&outputFlag, "output", "o", "text", "output format: text, json or csv")
}

func formatter() (cli.OutputFormat, cli.Formatter, error) {
	f, err := cli.ParseFormat(outputFlag)
	if err != nil {
		return "", nil, err
	}
	return f, cli.NewFormatter(f), nil
}

// loadConfig reads the optional config file, environment overrides and the
// global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, cli.NewConfigError("config", err.Error())
	}
	if stateDir != "" {
		setStateDir(cfg, stateDir)
	}
	return cfg, nil
}

// setStateDir moves the state directory, carrying a default event
// database path along with it.
func setStateDir(cfg *config.Config, dir string) {
	if cfg.Events.Path == filepath.Join(cfg.StateDir, config.EventsFileName) {
		cfg.Events.Path = ""
	}
	cfg.StateDir = dir
	config.Normalize(cfg)
}

// cliLogger logs text to stderr with --verbose and nothing otherwise.
func cliLogger() *slog.Logger {
	if !verbose {
		return logging.Discard()
	}
	logger, err := logging.New(logging.Config{Level: "debug", Format: "console", Writer: os.Stderr})
	if err != nil {
		return logging.Discard()
	}
	return logger
}

// app is the control-plane wiring shared by the route and engine commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *domains.Manager
	events  events.Storage
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := cliLogger()
	slog.SetDefault(logger)

	store := routes.NewStore(cfg.StateDir)
	native := engine.NewNative(cfg, engine.NativeOptions{
		ConfigPath: configPathForDaemon(),
		Logger:     logger,
	})
	container := engine.NewContainer(cfg, store, execx.System{}, logger)
	engines := engine.NewSet(native, container)

	inspector := ownership.NewSystemInspector()
	arbiter := ownership.NewArbiter(
		ownership.NewRecords(cfg.StateDir),
		inspector,
		engines.Alive,
		ownership.PortOf(cfg.Proxy.ListenAddress),
		logger,
	)

	a := &app{cfg: cfg, logger: logger}
	opts := []domains.Option{domains.WithInspector(inspector), domains.WithLogger(logger)}
	if ev := openEvents(cfg, logger); ev != nil {
		a.events = ev
		opts = append(opts, domains.WithEvents(ev))
	}
	a.manager = domains.New(cfg, store, arbiter, engines, opts...)
	return a, nil
}

// Close releases the event store.
func (a *app) Close() {
	if a.events != nil {
		_ = a.events.Close()
	}
}

// kind resolves the engine selected by --engine, DOMAINS_ENGINE and config.
func (a *app) kind() (engine.Kind, error) {
	k, err := domains.ResolveKind(engineFlag, a.cfg.Engine)
	if err != nil {
		return "", cli.NewConfigError("engine", err.Error())
	}
	return k, nil
}

// openEvents opens the daemon's event database for reading. It never
// creates one: no database simply means nothing was recorded.
func openEvents(cfg *config.Config, logger *slog.Logger) events.Storage {
	if !cfg.Events.Enabled {
		return nil
	}
	if _, err := os.Stat(cfg.Events.Path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	st, err := storage.NewSQLiteStorage(&storage.SQLiteConfig{
		Path:        cfg.Events.Path,
		Driver:      cfg.Events.Driver,
		WALMode:     true,
		BusyTimeout: cfg.Events.BusyTimeout,
	})
	if err != nil {
		logger.Warn("event store unavailable", "path", cfg.Events.Path, "error", err)
		return nil
	}
	return st
}

// configPathForDaemon returns --config as an absolute path, since the
// daemon runs from the state directory.
func configPathForDaemon() string {
	if cfgFile == "" {
		return ""
	}
	if _, err := os.Stat(cfgFile); err != nil {
		return ""
	}
	abs, err := filepath.Abs(cfgFile)
	if err != nil {
		return cfgFile
	}
	return abs
}
