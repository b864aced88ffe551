package engine

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flow-hq/domains/pkg/proxy"
)

// probeHost is sent as Host so the request never matches a user route.
const probeHost = "domains-health.localhost"

// Health is the parsed body of the native health endpoint.
type Health struct {
	Fields map[string]string
}

// Int returns a numeric field, or -1 when absent.
func (h *Health) Int(name string) int64 {
	v, found := h.Fields[name]
	if !found {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// Summary renders the counters doctor shows.
func (h *Health) Summary() string {
	return fmt.Sprintf("active_clients=%d overload_rejections=%d max_active_clients=%d routes=%d pool_idle=%d",
		h.Int("active_clients"), h.Int("overload_rejections"), h.Int("max_active_clients"),
		h.Int("routes"), h.Int("pool_idle"))
}

// ProbeFunc checks the native health endpoint at address.
type ProbeFunc func(ctx context.Context, address string) (*Health, error)

// Probe requests the health endpoint of a native engine listening on
// address. A response without the identifying header means something else
// owns the address.
func Probe(ctx context.Context, address string) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+dialAddress(address)+proxy.HealthPath, nil)
	if err != nil {
		return nil, err
	}
	req.Host = probeHost
	req.Close = true

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:             nil,
			DisableKeepAlives: true,
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.Header.Get(proxy.HealthHeader) != "1" {
		return nil, fmt.Errorf("%s is served by something other than the native engine", address)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, err
	}
	return parseHealth(string(body))
}

func parseHealth(body string) (*Health, error) {
	fields := strings.Fields(body)
	if len(fields) == 0 || fields[0] != "ok" {
		return nil, fmt.Errorf("unexpected health body %q", strings.TrimSpace(body))
	}
	h := &Health{Fields: make(map[string]string, len(fields)-1)}
	for _, f := range fields[1:] {
		if k, v, found := strings.Cut(f, "="); found {
			h.Fields[k] = v
		}
	}
	return h, nil
}

// dialAddress maps wildcard listen addresses to loopback.
func dialAddress(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return net.JoinHostPort(host, port)
}
