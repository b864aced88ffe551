package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"flow-hq/domains/pkg/cli"
	"flow-hq/domains/pkg/config"
	"flow-hq/domains/pkg/engine"
	"flow-hq/domains/pkg/events"
	"flow-hq/domains/pkg/events/storage"
	"flow-hq/domains/pkg/pool"
	"flow-hq/domains/pkg/proxy"
	"flow-hq/domains/pkg/routes"
	"flow-hq/domains/pkg/server"
	"flow-hq/domains/pkg/telemetry"
	"flow-hq/domains/pkg/telemetry/health"
)

var serveFlags struct {
	listen  string
	pidfile string

	maxActiveClients         int
	upstreamConnectTimeoutMS int
	upstreamIOTimeoutMS      int
	clientIOTimeoutMS        int

	poolMaxIdlePerKey int
	poolMaxIdleTotal  int
	poolIdleTimeoutMS int
	poolMaxAgeMS      int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the native proxy in the foreground",
	Long: `Run the native HTTP/1.1 proxy in the foreground.

This is what "domains up" starts in the background. The proxy reloads
routes.json when it changes and on SIGHUP, and drains connections on
SIGTERM or SIGINT.

Tunables given as flags override the config file and environment.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	bindServeFlags(serveCmd)
}

func bindServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&serveFlags.listen, "listen", "", "proxy listen address (default 127.0.0.1:80)")
	f.StringVar(&serveFlags.pidfile, "pidfile", "", "write the process id to this file")
	f.IntVar(&serveFlags.maxActiveClients, "max-active-clients", 0, "connections served at once before shedding with 503")
	f.IntVar(&serveFlags.upstreamConnectTimeoutMS, "upstream-connect-timeout-ms", 0, "upstream connect and first-byte timeout")
	f.IntVar(&serveFlags.upstreamIOTimeoutMS, "upstream-io-timeout-ms", 0, "upstream read/write stall timeout")
	f.IntVar(&serveFlags.clientIOTimeoutMS, "client-io-timeout-ms", 0, "client read/write stall and keep-alive idle timeout")
	f.IntVar(&serveFlags.poolMaxIdlePerKey, "pool-max-idle-per-key", 0, "idle upstream connections kept per target")
	f.IntVar(&serveFlags.poolMaxIdleTotal, "pool-max-idle-total", 0, "idle upstream connections kept in total")
	f.IntVar(&serveFlags.poolIdleTimeoutMS, "pool-idle-timeout-ms", 0, "evict idle upstream connections after this long")
	f.IntVar(&serveFlags.poolMaxAgeMS, "pool-max-age-ms", 0, "evict upstream connections older than this")
}

// applyServeFlags overrides cfg with the serve flags that were set.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Proxy.ListenAddress = serveFlags.listen
	}
	ints := []struct {
		flag string
		dst  *int
		val  int
	}{
		{"max-active-clients", &cfg.Proxy.MaxActiveClients, serveFlags.maxActiveClients},
		{"upstream-connect-timeout-ms", &cfg.Proxy.UpstreamConnectTimeoutMS, serveFlags.upstreamConnectTimeoutMS},
		{"upstream-io-timeout-ms", &cfg.Proxy.UpstreamIOTimeoutMS, serveFlags.upstreamIOTimeoutMS},
		{"client-io-timeout-ms", &cfg.Proxy.ClientIOTimeoutMS, serveFlags.clientIOTimeoutMS},
		{"pool-max-idle-per-key", &cfg.Pool.MaxIdlePerKey, serveFlags.poolMaxIdlePerKey},
		{"pool-max-idle-total", &cfg.Pool.MaxIdleTotal, serveFlags.poolMaxIdleTotal},
		{"pool-idle-timeout-ms", &cfg.Pool.IdleTimeoutMS, serveFlags.poolIdleTimeoutMS},
		{"pool-max-age-ms", &cfg.Pool.MaxAgeMS, serveFlags.poolMaxAgeMS},
	}
	for _, i := range ints {
		if f.Changed(i.flag) {
			*i.dst = i.val
		}
	}

	config.Normalize(cfg)
	if err := config.Validate(cfg); err != nil {
		return cli.NewConfigError("flags", err.Error())
	}
	return nil
}

func poolConfig(cfg *config.Config) pool.Config {
	return pool.Config{
		MaxIdlePerKey: cfg.Pool.MaxIdlePerKey,
		MaxIdleTotal:  cfg.Pool.MaxIdleTotal,
		IdleTimeout:   cfg.Pool.IdleTimeout(),
		MaxAge:        cfg.Pool.MaxAge(),
		DialTimeout:   cfg.Proxy.UpstreamConnectTimeout(),
		ReapSchedule:  cfg.Pool.ReapSchedule,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}
	config.SetConfig(cfg)

	tel, err := telemetry.New(&cfg.Telemetry, os.Stderr, Version, GitCommit, BuildDate)
	if err != nil {
		return cli.NewConfigError("telemetry", err.Error())
	}
	logger := tel.Logger()
	slog.SetDefault(logger)

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	p, err := pool.New(poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create upstream pool: %w", err)
	}
	if err := p.Start(); err != nil {
		p.Close()
		return err
	}
	tel.Metrics().RegisterPool(p)

	store := routes.NewStore(cfg.StateDir)
	proxyOpts := []proxy.Option{
		proxy.WithLogger(logger),
		proxy.WithMetrics(tel.Metrics()),
		proxy.WithTracer(tel.Tracer()),
	}

	var eventStore events.Storage
	if cfg.Events.Enabled {
		eventStore, err = storage.NewSQLiteStorage(&storage.SQLiteConfig{
			Path:        cfg.Events.Path,
			Driver:      cfg.Events.Driver,
			WALMode:     true,
			BusyTimeout: cfg.Events.BusyTimeout,
		})
		if err != nil {
			logger.Warn("event store unavailable, errors will only be logged", "path", cfg.Events.Path, "error", err)
			eventStore = nil
		}
	}
	if eventStore != nil {
		defer eventStore.Close()

		recorder := events.NewRecorder(eventStore, &events.RecorderConfig{AsyncBuffer: cfg.Events.AsyncBuffer})
		defer recorder.Close()
		proxyOpts = append(proxyOpts, proxy.WithEvents(recorder))

		scheduler := events.NewScheduler(events.NewPruner(eventStore, cfg.Events.RetentionDays), cfg.Events.PruneSchedule)
		if err := scheduler.Start(ctx); err != nil {
			logger.Warn("event retention disabled", "error", err)
		}
		defer scheduler.Stop()
	}

	eng := proxy.New(proxy.OptionsFromConfig(&cfg.Proxy), store, p, proxyOpts...)
	if err := eng.Reload(); err != nil {
		logger.Error("serving with an empty route table", "error", err)
	}

	ln, err := proxy.Listen(ctx, cfg.Proxy.ListenAddress)
	if err != nil {
		p.Close()
		return err
	}

	if serveFlags.pidfile != "" {
		if err := engine.WritePIDFile(serveFlags.pidfile, os.Getpid()); err != nil {
			ln.Close()
			p.Close()
			return fmt.Errorf("failed to write pid file: %w", err)
		}
		defer os.Remove(serveFlags.pidfile)
	}

	tel.Health().RegisterCheck("proxy", health.DialCheck(ln.Addr().String()))
	tel.Health().RegisterCheck("routes", func(context.Context) error {
		_, err := store.Load()
		return err
	})
	if eventStore != nil {
		tel.Health().RegisterCheck("events", health.FileCheck(cfg.Events.Path))
	}

	watcher, err := routes.NewWatcher(store.Path(), cfg.Proxy.ReloadDebounce, logger)
	if err != nil {
		ln.Close()
		p.Close()
		return err
	}
	defer watcher.Stop()

	logger.Info("proxy listening",
		"address", ln.Addr().String(),
		"routes", eng.Table().Len(),
		"max_active_clients", eng.Options().MaxActiveClients,
		"version", Version,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := eng.Serve(ln); !errors.Is(err, proxy.ErrEngineClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownGrace+time.Second)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			logger.Warn("proxy shutdown", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		return watcher.Watch(gctx, eng.Reload)
	})
	g.Go(func() error {
		reload := cli.ReloadSignals()
		defer signal.Stop(reload)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reload:
				logger.Info("SIGHUP received, reloading routes")
				_ = eng.Reload()
			}
		}
	})
	if cfg.Admin.Enabled {
		admin := server.NewServer(&cfg.Admin, tel, eng, eventStore)
		g.Go(func() error {
			if err := admin.Start(gctx); err != nil {
				// The proxy keeps serving without its admin endpoint.
				logger.Error("admin server failed", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := tel.Shutdown(flushCtx); terr != nil {
		logger.Warn("telemetry shutdown", "error", terr)
	}
	return err
}
