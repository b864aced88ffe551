// Package engine implements the two proxy engines that can own the shared
// port: the native daemon (this binary running `domains serve` in the
// background) and a docker-managed nginx container.
//
// Both satisfy Engine, which is everything the lifecycle manager needs:
// start, stop, reload, liveness, adoption of an unrecorded instance and
// diagnostics.
//
// # Native engine
//
// NativeEngine re-executes the current binary detached in its own session
// with stdout and stderr appended to domainsd.log, then polls the proxy's
// health endpoint until it answers with the identifying header. Stop sends
// SIGTERM and escalates to SIGKILL; Reload sends SIGHUP.
//
// # Container engine
//
// ContainerEngine renders docker-compose.yml, nginx/default.conf and one
// routes/<host>.conf per route into the state directory, then drives the
// container with `docker compose` and `docker exec ... nginx -s reload`.
// Loopback upstreams are rewritten to host.docker.internal.
package engine
