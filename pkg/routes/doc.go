// Package routes is the durable host-to-upstream table.
//
// The table lives in a single routes.json file in the state directory and
// is always rewritten whole through a temporary file and a rename, so a
// reader in any process sees either the previous or the next complete
// table. Readers work on an immutable *Table snapshot; the proxy engine
// swaps snapshots atomically on reload and never writes the file.
//
// Hosts must end in ".localhost" and have at least one label before it.
// Targets are "host:port" with a port in 1..65535. Both are normalized
// before validation: surrounding whitespace, an http:// or https:// scheme
// and a trailing slash are dropped and the host is lower-cased.
package routes
