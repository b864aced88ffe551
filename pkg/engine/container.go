package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"flow-hq/domains/internal/execx"
	"flow-hq/domains/pkg/config"
	"flow-hq/domains/pkg/ownership"
	"flow-hq/domains/pkg/routes"
)

const (
	ComposeFileName = "docker-compose.yml"
	defaultConfPath = "nginx/default.conf"
	routesConfDir   = "routes"
)

// ContainerEngine drives an nginx container through docker.
type ContainerEngine struct {
	cfg    *config.Config
	routes RouteSource
	runner execx.Runner
	logger *slog.Logger
}

// NewContainer creates the container engine. runner defaults to real
// processes.
func NewContainer(cfg *config.Config, source RouteSource, runner execx.Runner, logger *slog.Logger) *ContainerEngine {
	if runner == nil {
		runner = execx.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContainerEngine{
		cfg:    cfg,
		routes: source,
		runner: runner,
		logger: logger.With("component", "engine.container"),
	}
}

func (c *ContainerEngine) Kind() Kind { return KindContainer }

func (c *ContainerEngine) name() string {
	return c.cfg.Container.Name
}

// ComposePath returns the rendered compose file path.
func (c *ContainerEngine) ComposePath() string {
	return filepath.Join(c.cfg.StateDir, ComposeFileName)
}

// RoutesDir returns the directory of rendered per-route files.
func (c *ContainerEngine) RoutesDir() string {
	return filepath.Join(c.cfg.StateDir, routesConfDir)
}

// Sync renders the compose file, the default server and one file per
// route, removing route files of hosts that no longer exist. It returns
// the number of routes rendered.
func (c *ContainerEngine) Sync() (int, error) {
	table, err := c.routes.Load()
	if err != nil {
		return 0, err
	}

	compose, err := RenderCompose(c.name(), c.cfg.Container.Image, c.cfg.Proxy.ListenAddress)
	if err != nil {
		return 0, err
	}
	if err := routes.WriteFileAtomic(c.ComposePath(), compose, 0o644); err != nil {
		return 0, err
	}
	if err := routes.WriteFileAtomic(filepath.Join(c.cfg.StateDir, defaultConfPath), []byte(DefaultConf), 0o644); err != nil {
		return 0, err
	}

	dir := c.RoutesDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	want := make(map[string]bool, table.Len())
	for _, r := range table.Routes() {
		data, err := RenderRoute(r)
		if err != nil {
			return 0, err
		}
		name := RouteFileName(r.Host)
		want[name] = true
		if err := routes.WriteFileAtomic(filepath.Join(dir, name), data, 0o644); err != nil {
			return 0, err
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".conf" || want[e.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return 0, fmt.Errorf("failed to remove stale route file: %w", err)
		}
	}
	return table.Len(), nil
}

func (c *ContainerEngine) docker(ctx context.Context, args ...string) execx.Result {
	return c.runner.Run(ctx, c.cfg.StateDir, "docker", args...)
}

func (c *ContainerEngine) ensureDocker(ctx context.Context) error {
	res := c.docker(ctx, "version", "--format", "{{.Server.Version}}")
	if res.NotFound() {
		return fmt.Errorf("docker is not installed; install Docker or use --engine native")
	}
	if !res.OK() {
		return fmt.Errorf("docker is not available: %s", res.Detail())
	}
	return nil
}

// Start renders the configuration and brings the container up.
func (c *ContainerEngine) Start(ctx context.Context) (*ownership.Record, error) {
	if err := c.ensureDocker(ctx); err != nil {
		return nil, err
	}
	n, err := c.Sync()
	if err != nil {
		return nil, err
	}

	if res := c.docker(ctx, "compose", "-f", c.ComposePath(), "up", "-d"); !res.OK() {
		return nil, fmt.Errorf("docker compose up failed: %s", res.Detail())
	}
	c.logger.Info("container engine started", "container", c.name(), "routes", n)

	rec := ownership.NewRecord(KindContainer, c.cfg.Proxy.ListenAddress)
	rec.ContainerName = c.name()
	rec.ContainerID = c.containerID(ctx)
	return rec, nil
}

// Stop brings the compose project down.
func (c *ContainerEngine) Stop(ctx context.Context, _ *ownership.Record) error {
	if _, err := os.Stat(c.ComposePath()); err != nil {
		// Without the compose file fall back to removing the container.
		if res := c.docker(ctx, "rm", "-f", c.name()); !res.OK() && !res.NotFound() {
			return fmt.Errorf("docker rm failed: %s", res.Detail())
		}
		return nil
	}
	if res := c.docker(ctx, "compose", "-f", c.ComposePath(), "down"); !res.OK() {
		return fmt.Errorf("docker compose down failed: %s", res.Detail())
	}
	c.logger.Info("container engine stopped", "container", c.name())
	return nil
}

// Reload re-renders the route files and asks nginx to reload them.
func (c *ContainerEngine) Reload(ctx context.Context, rec *ownership.Record) error {
	if _, err := c.Sync(); err != nil {
		return err
	}
	name := c.name()
	if rec != nil && rec.ContainerName != "" {
		name = rec.ContainerName
	}
	if res := c.docker(ctx, "exec", name, "nginx", "-s", "reload"); !res.OK() {
		return fmt.Errorf("nginx reload failed: %s", res.Detail())
	}
	return nil
}

// Alive reports whether the recorded container is running.
func (c *ContainerEngine) Alive(ctx context.Context, rec *ownership.Record) bool {
	name := c.name()
	if rec != nil && rec.ContainerName != "" {
		name = rec.ContainerName
	}
	return c.running(ctx, name) != ""
}

// Adopt recognises the managed container publishing the port.
func (c *ContainerEngine) Adopt(ctx context.Context, l *ownership.Listener) (*ownership.Record, bool) {
	if l.ContainerName != c.name() {
		return nil, false
	}
	rec := ownership.NewRecord(KindContainer, c.cfg.Proxy.ListenAddress)
	rec.ContainerName = l.ContainerName
	rec.ContainerID = l.ContainerID
	return rec, true
}

// Doctor reports docker availability, container state and rendered files.
func (c *ContainerEngine) Doctor(ctx context.Context, rec *ownership.Record) []Check {
	var checks []Check

	if err := c.ensureDocker(ctx); err != nil {
		return append(checks, warn("container.docker", "%v", err))
	}
	checks = append(checks, ok("container.docker", "docker is available"))

	id := c.running(ctx, c.name())
	switch {
	case id != "":
		checks = append(checks, ok("container.state", "%s is running (%s)", c.name(), id))
	case rec != nil && rec.Engine == KindContainer:
		checks = append(checks, fail("container.state", "%s is recorded as owner but not running", c.name()))
	default:
		checks = append(checks, ok("container.state", "%s is not running", c.name()))
	}

	if table, err := c.routes.Load(); err == nil {
		rendered := countConf(c.RoutesDir())
		if rendered == table.Len() {
			checks = append(checks, ok("container.routes", "%d route files rendered", rendered))
		} else {
			checks = append(checks, warn("container.routes", "%d route files rendered for %d routes; run `domains up` to resync", rendered, table.Len()))
		}
	}

	if id != "" {
		if res := c.docker(ctx, "exec", c.name(), "nginx", "-t"); res.OK() {
			checks = append(checks, ok("container.nginx", "configuration test passed"))
		} else {
			checks = append(checks, fail("container.nginx", "configuration test failed: %s", res.Detail()))
		}
	}
	return checks
}

// running returns the id of the running container called name, or "".
func (c *ContainerEngine) running(ctx context.Context, name string) string {
	res := c.docker(ctx, "ps", "--filter", "name=^/"+name+"$", "--format", "{{.ID}}\t{{.Names}}")
	if !res.OK() {
		return ""
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		id, names, found := strings.Cut(strings.TrimSpace(line), "\t")
		if !found {
			continue
		}
		for _, n := range strings.Split(names, ",") {
			if strings.TrimSpace(n) == name {
				return id
			}
		}
	}
	return ""
}

func (c *ContainerEngine) containerID(ctx context.Context) string {
	return c.running(ctx, c.name())
}

func countConf(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".conf" {
			n++
		}
	}
	return n
}
