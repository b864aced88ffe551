// Package events keeps a local history of data-plane errors.
//
// The proxy engine reports every failed exchange (unmapped host, upstream
// refused, timeouts, protocol errors, shed connections) to a Recorder. The
// recorder queues events and writes them to a Storage backend on a
// background goroutine, dropping events instead of blocking when the queue
// is full. `domains doctor` reads the stored events to summarise recent
// failures, and a Pruner deletes old events on a cron schedule.
//
// Backends live in the storage subpackage:
//
//   - SQLite: events.db in the state directory, via modernc.org/sqlite
//     (driver "sqlite") or mattn/go-sqlite3 (driver "sqlite3")
//   - Memory: for tests
package events
