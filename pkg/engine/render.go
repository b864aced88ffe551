package engine

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"flow-hq/domains/pkg/routes"
)

const dockerHostAlias = "host.docker.internal"

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	ContainerName string   `yaml:"container_name"`
	Image         string   `yaml:"image"`
	Restart       string   `yaml:"restart"`
	Ports         []string `yaml:"ports"`
	ExtraHosts    []string `yaml:"extra_hosts"`
	Volumes       []string `yaml:"volumes"`
}

// RenderCompose returns docker-compose.yml for the proxy container
// publishing listenAddress.
func RenderCompose(name, image, listenAddress string) ([]byte, error) {
	host, port, err := net.SplitHostPort(listenAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", listenAddress, err)
	}
	publish := port + ":80"
	if host != "" {
		publish = net.JoinHostPort(host, port) + ":80"
	}

	doc := composeFile{Services: map[string]composeService{
		"proxy": {
			ContainerName: name,
			Image:         image,
			Restart:       "unless-stopped",
			Ports:         []string{publish},
			ExtraHosts:    []string{dockerHostAlias + ":host-gateway"},
			Volumes: []string{
				"./nginx/default.conf:/etc/nginx/conf.d/default.conf:ro",
				"./routes:/etc/nginx/conf.d/routes:ro",
			},
		},
	}}

	var b bytes.Buffer
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode compose file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DefaultConf is nginx/default.conf: the websocket upgrade map, a 404
// default server and the per-route includes.
const DefaultConf = `map $http_upgrade $connection_upgrade {
  default upgrade;
  "" close;
}

server {
  listen 80 default_server;
  server_name _;
  return 404 "No local route configured for this host.\n";
}

include /etc/nginx/conf.d/routes/*.conf;
`

var routeTemplate = template.Must(template.New("route").Parse(`server {
  listen 80;
  server_name {{.Host}};

  location / {
    proxy_pass http://{{.Upstream}};
    proxy_http_version 1.1;
    proxy_set_header Host {{.HostHeader}};
    proxy_set_header X-Forwarded-Host $host;
    proxy_set_header X-Forwarded-Proto $scheme;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection $connection_upgrade;
    proxy_read_timeout 1h;
  }
}
`))

// RenderRoute returns the nginx server block for r.
func RenderRoute(r routes.Route) ([]byte, error) {
	upstream, hostHeader := DockerUpstream(r.Target)

	var b bytes.Buffer
	err := routeTemplate.Execute(&b, struct {
		Host       string
		Upstream   string
		HostHeader string
	}{r.Host, upstream, hostHeader})
	if err != nil {
		return nil, fmt.Errorf("failed to render route %s: %w", r.Host, err)
	}
	return b.Bytes(), nil
}

// DockerUpstream maps target to the address reachable from inside the
// container and the Host header to send. Loopback targets become
// host.docker.internal with Host "localhost".
func DockerUpstream(target string) (upstream, hostHeader string) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return target, target
	}
	if routes.IsLoopback(target) {
		return net.JoinHostPort(dockerHostAlias, port), "localhost"
	}
	return target, host
}

// RouteFileName returns the routes/ file name for host.
func RouteFileName(host string) string {
	var b strings.Builder
	for _, c := range host {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	b.WriteString(".conf")
	return b.String()
}
