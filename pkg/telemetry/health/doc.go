// Package health serves liveness and readiness for the native daemon's
// admin server.
//
// Liveness (/healthz) only proves the process answers. Readiness (/readyz)
// runs every registered check concurrently, each bounded by the check
// timeout, and reports 503 when any fails. The daemon registers checks
// for its proxy listener, the route file and the event store.
package health
