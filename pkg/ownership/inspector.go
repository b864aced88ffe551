package ownership

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"flow-hq/domains/internal/execx"
)

// Listener is whatever currently accepts connections on the proxy port.
type Listener struct {
	Port          int
	PID           int
	Process       string
	ContainerID   string
	ContainerName string

	// Raw is the tool output line the listener was parsed from.
	Raw string
}

// String describes the listener for error messages.
func (l *Listener) String() string {
	switch {
	case l == nil:
		return "nothing"
	case l.ContainerName != "":
		return fmt.Sprintf("container %s", l.ContainerName)
	case l.Process != "" && l.PID > 0:
		return fmt.Sprintf("%s (pid %d)", l.Process, l.PID)
	case l.Raw != "":
		return l.Raw
	default:
		return "an unknown process"
	}
}

// PortInspector finds the listener on a TCP port. It returns nil when the
// port is free or the owner cannot be determined.
type PortInspector interface {
	Listener(ctx context.Context, port int) (*Listener, error)
}

// SystemInspector asks docker for containers publishing the port, then
// lsof for host processes. Missing tools are treated as "unknown".
type SystemInspector struct {
	Runner execx.Runner
}

// NewSystemInspector returns an inspector backed by real processes.
func NewSystemInspector() *SystemInspector {
	return &SystemInspector{Runner: execx.System{}}
}

func (s *SystemInspector) Listener(ctx context.Context, port int) (*Listener, error) {
	if l := s.dockerListener(ctx, port); l != nil {
		return l, nil
	}
	return s.lsofListener(ctx, port), nil
}

func (s *SystemInspector) dockerListener(ctx context.Context, port int) *Listener {
	res := s.Runner.Run(ctx, "", "docker", "ps", "--format", "{{.ID}}\t{{.Names}}\t{{.Ports}}")
	if !res.OK() {
		return nil
	}
	return parseDockerPS(res.Stdout, port)
}

func (s *SystemInspector) lsofListener(ctx context.Context, port int) *Listener {
	res := s.Runner.Run(ctx, "", "lsof", "-nP", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN")
	// lsof exits 1 when nothing matches.
	if res.NotFound() || strings.TrimSpace(res.Stdout) == "" {
		return nil
	}
	return parseLsof(res.Stdout, port)
}

// parseDockerPS finds a container publishing port on the host in
// `docker ps --format "{{.ID}}\t{{.Names}}\t{{.Ports}}"` output.
func parseDockerPS(out string, port int) *Listener {
	needle := fmt.Sprintf(":%d->", port)

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), "\t", 3)
		if len(fields) < 3 || !strings.Contains(fields[2], needle) {
			continue
		}
		return &Listener{
			Port:          port,
			ContainerID:   strings.TrimSpace(fields[0]),
			ContainerName: strings.TrimSpace(fields[1]),
			Raw:           strings.TrimSpace(scanner.Text()),
		}
	}
	return nil
}

// parseLsof reads the first listener row of `lsof -nP -iTCP:N -sTCP:LISTEN`.
func parseLsof(out string, port int) *Listener {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return nil
	}

	fields := strings.Fields(lines[1])
	if len(fields) == 0 {
		return nil
	}

	l := &Listener{
		Port:    port,
		Process: fields[0],
		Raw:     strings.Join(fields, " "),
	}
	if len(fields) > 1 {
		if pid, err := strconv.Atoi(fields[1]); err == nil {
			l.PID = pid
		}
	}
	return l
}
