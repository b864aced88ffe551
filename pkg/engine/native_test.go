package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"flow-hq/domains/pkg/config"
	"flow-hq/domains/pkg/domainerr"
	"flow-hq/domains/pkg/ownership"
	"flow-hq/domains/pkg/proxy"
	"flow-hq/domains/pkg/routes"
	"flow-hq/domains/pkg/telemetry/logging"
)

type fakeProcesses struct {
	mu sync.Mutex

	nextPID    int
	alive      map[int]bool
	spawned    []SpawnSpec
	signals    []Signal
	ignoreTerm bool

	// onSpawn runs after a spawn, e.g. to write to the log file.
	onSpawn func(spec SpawnSpec)
	// dieOnSpawn marks the spawned process dead right away.
	dieOnSpawn bool
}

func newFakeProcesses() *fakeProcesses {
	return &fakeProcesses{nextPID: 4242, alive: make(map[int]bool)}
}

func (f *fakeProcesses) Spawn(spec SpawnSpec) (int, error) {
	f.mu.Lock()
	pid := f.nextPID
	f.spawned = append(f.spawned, spec)
	f.alive[pid] = !f.dieOnSpawn
	hook := f.onSpawn
	f.mu.Unlock()

	if hook != nil {
		hook(spec)
	}
	return pid, nil
}

func (f *fakeProcesses) Signal(pid int, sig Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[pid] {
		return ErrProcessGone
	}
	f.signals = append(f.signals, sig)
	switch sig {
	case SignalKill:
		f.alive[pid] = false
	case SignalTerminate:
		if !f.ignoreTerm {
			f.alive[pid] = false
		}
	}
	return nil
}

func (f *fakeProcesses) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeProcesses) sent() []Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Signal(nil), f.signals...)
}

func healthyAfter(calls int) ProbeFunc {
	var mu sync.Mutex
	n := 0
	return func(context.Context, string) (*Health, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n < calls {
			return nil, errors.New("connection refused")
		}
		return &Health{Fields: map[string]string{"active_clients": "0"}}, nil
	}
}

func neverHealthy(context.Context, string) (*Health, error) {
	return nil, errors.New("connection refused")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Proxy.ListenAddress = "127.0.0.1:8080"
	cfg.Proxy.MaxActiveClients = 64
	cfg.Native.StartupTimeout = 300 * time.Millisecond
	cfg.Native.StopTimeout = 200 * time.Millisecond
	return cfg
}

func newTestNative(t *testing.T, cfg *config.Config, procs *fakeProcesses, probe ProbeFunc) *NativeEngine {
	t.Helper()
	return NewNative(cfg, NativeOptions{
		Executable: "/usr/local/bin/domains",
		ConfigPath: "/etc/domains.yaml",
		Processes:  procs,
		Probe:      probe,
		Logger:     logging.Discard(),
	})
}

func TestNativeEngine_StartWaitsForHealth(t *testing.T) {
	cfg := testConfig(t)
	procs := newFakeProcesses()
	n := newTestNative(t, cfg, procs, healthyAfter(2))

	rec, err := n.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if rec.Engine != KindNative || rec.PID != 4242 || rec.ListenAddress != "127.0.0.1:8080" || rec.BoundPort != 8080 {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.InstanceID == "" {
		t.Error("expected an instance id")
	}

	if len(procs.spawned) != 1 {
		t.Fatalf("expected one spawn, got %d", len(procs.spawned))
	}
	spec := procs.spawned[0]
	if spec.Path != "/usr/local/bin/domains" {
		t.Errorf("unexpected executable %q", spec.Path)
	}
	if spec.LogFile != filepath.Join(cfg.StateDir, LogFileName) {
		t.Errorf("unexpected log file %q", spec.LogFile)
	}
	args := strings.Join(spec.Args, " ")
	for _, want := range []string{
		"serve",
		"--config /etc/domains.yaml",
		"--listen 127.0.0.1:8080",
		"--max-active-clients 64",
		"--pidfile " + filepath.Join(cfg.StateDir, PIDFileName),
		"--pool-max-idle-per-key 8",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("expected args to contain %q, got %q", want, args)
		}
	}
}

func TestNativeEngine_StartFailures(t *testing.T) {
	t.Run("exits during startup", func(t *testing.T) {
		procs := newFakeProcesses()
		procs.dieOnSpawn = true
		n := newTestNative(t, testConfig(t), procs, neverHealthy)

		_, err := n.Start(context.Background())
		if err == nil || !strings.Contains(err.Error(), "exited during startup") {
			t.Fatalf("expected startup exit error, got %v", err)
		}
	})

	t.Run("port in use", func(t *testing.T) {
		procs := newFakeProcesses()
		procs.dieOnSpawn = true
		procs.onSpawn = func(spec SpawnSpec) {
			_ = os.WriteFile(spec.LogFile, []byte("listen tcp 127.0.0.1:8080: bind: address already in use\n"), 0o644)
		}
		n := newTestNative(t, testConfig(t), procs, neverHealthy)

		_, err := n.Start(context.Background())
		var portErr *domainerr.PortConflictError
		if !errors.As(err, &portErr) {
			t.Fatalf("expected PortConflictError, got %v", err)
		}
		if portErr.Port != 8080 {
			t.Errorf("expected port 8080, got %d", portErr.Port)
		}
	})

	t.Run("old log lines are ignored", func(t *testing.T) {
		cfg := testConfig(t)
		logPath := filepath.Join(cfg.StateDir, LogFileName)
		if err := os.WriteFile(logPath, []byte("bind: permission denied\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		procs := newFakeProcesses()
		procs.dieOnSpawn = true
		n := newTestNative(t, cfg, procs, neverHealthy)

		_, err := n.Start(context.Background())
		if err == nil || strings.Contains(err.Error(), "permission denied") {
			t.Fatalf("expected a plain startup error, got %v", err)
		}
	})

	t.Run("never healthy", func(t *testing.T) {
		procs := newFakeProcesses()
		n := newTestNative(t, testConfig(t), procs, neverHealthy)

		_, err := n.Start(context.Background())
		if err == nil || !strings.Contains(err.Error(), "did not become healthy") {
			t.Fatalf("expected health timeout, got %v", err)
		}
		if sent := procs.sent(); len(sent) != 1 || sent[0] != SignalKill {
			t.Errorf("expected the unhealthy daemon to be killed, got %v", sent)
		}
	})
}

func TestNativeEngine_Stop(t *testing.T) {
	tests := []struct {
		name       string
		ignoreTerm bool
		want       []Signal
	}{
		{"terminates", false, []Signal{SignalTerminate}},
		{"escalates to kill", true, []Signal{SignalTerminate, SignalKill}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			procs := newFakeProcesses()
			procs.ignoreTerm = tt.ignoreTerm
			procs.alive[99] = true
			n := newTestNative(t, cfg, procs, neverHealthy)

			if err := WritePIDFile(n.PIDPath(), 99); err != nil {
				t.Fatal(err)
			}

			rec := ownership.NewRecord(KindNative, cfg.Proxy.ListenAddress)
			rec.PID = 99
			if err := n.Stop(context.Background(), rec); err != nil {
				t.Fatalf("Stop failed: %v", err)
			}

			sent := procs.sent()
			if len(sent) != len(tt.want) {
				t.Fatalf("expected signals %v, got %v", tt.want, sent)
			}
			for i := range sent {
				if sent[i] != tt.want[i] {
					t.Errorf("signal %d: got %s, want %s", i, sent[i], tt.want[i])
				}
			}
			if procs.Alive(99) {
				t.Error("expected process to be gone")
			}
			if _, err := os.Stat(n.PIDPath()); !os.IsNotExist(err) {
				t.Error("expected pid file to be removed")
			}
		})
	}
}

func TestNativeEngine_StopDeadProcess(t *testing.T) {
	cfg := testConfig(t)
	procs := newFakeProcesses()
	n := newTestNative(t, cfg, procs, neverHealthy)

	rec := ownership.NewRecord(KindNative, cfg.Proxy.ListenAddress)
	rec.PID = 77
	if err := n.Stop(context.Background(), rec); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if sent := procs.sent(); len(sent) != 0 {
		t.Errorf("expected no signals for a dead process, got %v", sent)
	}
}

func TestNativeEngine_ReloadSendsHangup(t *testing.T) {
	cfg := testConfig(t)
	procs := newFakeProcesses()
	procs.alive[55] = true
	n := newTestNative(t, cfg, procs, neverHealthy)

	rec := &ownership.Record{Engine: KindNative, PID: 55}
	if err := n.Reload(context.Background(), rec); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if sent := procs.sent(); len(sent) != 1 || sent[0] != SignalReload {
		t.Errorf("expected SIGHUP, got %v", sent)
	}

	if err := n.Reload(context.Background(), &ownership.Record{Engine: KindNative, PID: 56}); !errors.Is(err, ErrProcessGone) {
		t.Errorf("expected ErrProcessGone for a dead pid, got %v", err)
	}
}

func TestNativeEngine_Alive(t *testing.T) {
	cfg := testConfig(t)
	procs := newFakeProcesses()
	procs.alive[10] = true

	healthy := newTestNative(t, cfg, procs, healthyAfter(1))
	unhealthy := newTestNative(t, cfg, procs, neverHealthy)

	rec := &ownership.Record{Engine: KindNative, PID: 10, ListenAddress: cfg.Proxy.ListenAddress}
	if !healthy.Alive(context.Background(), rec) {
		t.Error("expected running and healthy daemon to be alive")
	}
	if unhealthy.Alive(context.Background(), rec) {
		t.Error("expected failing health probe to mean not alive")
	}
	if healthy.Alive(context.Background(), &ownership.Record{Engine: KindNative, PID: 11}) {
		t.Error("expected dead pid to mean not alive")
	}
}

func TestNativeEngine_Adopt(t *testing.T) {
	cfg := testConfig(t)
	procs := newFakeProcesses()
	procs.alive[321] = true
	n := newTestNative(t, cfg, procs, healthyAfter(1))

	rec, adopted := n.Adopt(context.Background(), &ownership.Listener{Port: 8080, PID: 321, Process: "domains"})
	if !adopted {
		t.Fatal("expected healthy daemon to be adopted")
	}
	if rec.PID != 321 || rec.Engine != KindNative {
		t.Errorf("unexpected record %+v", rec)
	}

	if _, adopted := n.Adopt(context.Background(), &ownership.Listener{Port: 8080, ContainerName: "web"}); adopted {
		t.Error("expected containers not to be adopted by the native engine")
	}

	foreign := newTestNative(t, cfg, procs, neverHealthy)
	if _, adopted := foreign.Adopt(context.Background(), &ownership.Listener{Port: 8080, PID: 321, Process: "nginx"}); adopted {
		t.Error("expected a listener without the health header not to be adopted")
	}
}

func TestNativeEngine_AdoptFallsBackToPIDFile(t *testing.T) {
	cfg := testConfig(t)
	procs := newFakeProcesses()
	procs.alive[808] = true
	n := newTestNative(t, cfg, procs, healthyAfter(1))

	if err := WritePIDFile(n.PIDPath(), 808); err != nil {
		t.Fatal(err)
	}
	rec, adopted := n.Adopt(context.Background(), &ownership.Listener{Port: 8080, Raw: "unknown"})
	if !adopted || rec.PID != 808 {
		t.Fatalf("expected adoption via pid file, got %+v %v", rec, adopted)
	}
}

func TestNativeEngine_Doctor(t *testing.T) {
	cfg := testConfig(t)
	procs := newFakeProcesses()
	procs.alive[12] = true
	n := newTestNative(t, cfg, procs, neverHealthy)

	rec := &ownership.Record{Engine: KindNative, PID: 12, ListenAddress: cfg.Proxy.ListenAddress}
	checks := n.Doctor(context.Background(), rec)

	byName := make(map[string]Check)
	for _, c := range checks {
		byName[c.Name] = c
	}
	if byName["native.process"].Status != StatusOK {
		t.Errorf("expected running process check, got %+v", byName["native.process"])
	}
	if byName["native.health"].Status != StatusFail {
		t.Errorf("expected failing health check, got %+v", byName["native.health"])
	}
}

type emptySource struct{}

func (emptySource) Load() (*routes.Table, error) { return routes.NewTable(nil), nil }

func TestProbe_NativeEngine(t *testing.T) {
	e := proxy.New(proxy.Options{MaxActiveClients: 9}, emptySource{}, nil, proxy.WithLogger(logging.Discard()))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go e.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})

	h, err := Probe(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if got := h.Int("max_active_clients"); got != 9 {
		t.Errorf("expected max_active_clients=9, got %d", got)
	}
	if got := h.Int("active_clients"); got != 1 {
		t.Errorf("expected the probe itself to be the only active client, got %d", got)
	}
}

func TestProbe_ForeignServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok active_clients=0"))
	}))
	defer srv.Close()

	if _, err := Probe(context.Background(), strings.TrimPrefix(srv.URL, "http://")); err == nil {
		t.Fatal("expected a server without the identifying header to be rejected")
	}
}

func TestParseHealth(t *testing.T) {
	h, err := parseHealth("ok active_clients=3 overload_rejections=1 routes=2\n")
	if err != nil {
		t.Fatalf("parseHealth failed: %v", err)
	}
	if h.Int("active_clients") != 3 || h.Int("routes") != 2 || h.Int("missing") != -1 {
		t.Errorf("unexpected fields %v", h.Fields)
	}

	if _, err := parseHealth("degraded"); err == nil {
		t.Error("expected non-ok body to be rejected")
	}
}

func TestDialAddress(t *testing.T) {
	tests := map[string]string{
		"0.0.0.0:80":   "127.0.0.1:80",
		":80":          "127.0.0.1:80",
		"[::]:80":      "[::1]:80",
		"127.0.0.1:80": "127.0.0.1:80",
	}
	for in, want := range tests {
		if got := dialAddress(in); got != want {
			t.Errorf("dialAddress(%q) = %q, want %q", in, got, want)
		}
	}
}
