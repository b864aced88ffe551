package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"flow-hq/domains/pkg/events"
)

// SQLiteConfig contains configuration for the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// Driver is "sqlite" (modernc.org/sqlite) or "sqlite3" (mattn/go-sqlite3).
	// Default: "sqlite"
	Driver string

	// WALMode enables write-ahead logging so doctor can read while the
	// daemon writes.
	// Default: true
	WALMode bool

	// BusyTimeout is how long to wait on a locked database.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:        "events.db",
		Driver:      "sqlite",
		WALMode:     true,
		BusyTimeout: 5 * time.Second,
	}
}

// SQLiteStorage implements events.Storage on SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	config *SQLiteConfig
	insert *sql.Stmt
	logger *slog.Logger
}

// NewSQLiteStorage opens (creating if needed) the events database.
func NewSQLiteStorage(config *SQLiteConfig) (*SQLiteStorage, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}
	if config.Driver == "" {
		config.Driver = "sqlite"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	logger := slog.Default().With("component", "events.storage.sqlite")

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, events.NewStorageError("sqlite", "mkdir", err)
	}

	db, err := sql.Open(config.Driver, config.Path)
	if err != nil {
		return nil, events.NewStorageError("sqlite", "open", err)
	}

	// Pragmas are per connection; one connection keeps them in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStorage{
		db:     db,
		config: config,
		logger: logger,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("SQLite event storage initialized",
		"path", config.Path,
		"driver", config.Driver,
		"wal_mode", config.WALMode,
	)

	return s, nil
}

func (s *SQLiteStorage) initialize() error {
	if s.config.WALMode {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return events.NewStorageError("sqlite", "enable_wal", err)
		}
	}

	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", s.config.BusyTimeout.Milliseconds())); err != nil {
		return events.NewStorageError("sqlite", "set_busy_timeout", err)
	}

	if _, err := s.db.Exec(Schema); err != nil {
		return events.NewStorageError("sqlite", "create_schema", err)
	}

	if _, err := s.db.Exec(InsertSchemaVersion, SchemaVersion); err != nil {
		return events.NewStorageError("sqlite", "insert_schema_version", err)
	}

	var version int
	if err := s.db.QueryRow(GetSchemaVersion).Scan(&version); err != nil {
		return events.NewStorageError("sqlite", "get_schema_version", err)
	}
	if version != SchemaVersion {
		return events.NewStorageError("sqlite", "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}

	stmt, err := s.db.Prepare(`
		INSERT INTO events (id, time_ns, kind, host, target, client, status, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return events.NewStorageError("sqlite", "prepare", err)
	}
	s.insert = stmt
	return nil
}

// Store writes one event.
func (s *SQLiteStorage) Store(ctx context.Context, ev *events.Event) error {
	_, err := s.insert.ExecContext(ctx,
		ev.ID, ev.Time.UnixNano(), ev.Kind,
		ev.Host, ev.Target, ev.Client, ev.Status, ev.Message,
	)
	if err != nil {
		return events.NewStorageError("sqlite", "store", err)
	}
	return nil
}

// List returns matching events, newest first.
func (s *SQLiteStorage) List(ctx context.Context, q *events.Query) ([]*events.Event, error) {
	where, args := buildWhereClause(q)

	query := "SELECT id, time_ns, kind, host, target, client, status, message FROM events"
	if where != "" {
		query += " WHERE " + where
	}

	limit := 100
	if q != nil && q.Limit > 0 {
		limit = q.Limit
	}
	query += fmt.Sprintf(" ORDER BY time_ns DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, events.NewStorageError("sqlite", "list", err)
	}
	defer rows.Close()

	result := []*events.Event{}
	for rows.Next() {
		var (
			ev                   events.Event
			ns                   int64
			host, target, client sql.NullString
			status               sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ns, &ev.Kind, &host, &target, &client, &status, &ev.Message); err != nil {
			return nil, events.NewStorageError("sqlite", "scan", err)
		}
		ev.Time = time.Unix(0, ns).UTC()
		ev.Host = host.String
		ev.Target = target.String
		ev.Client = client.String
		ev.Status = int(status.Int64)
		result = append(result, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, events.NewStorageError("sqlite", "list", err)
	}
	return result, nil
}

// CountByKind returns the number of matching events per kind.
func (s *SQLiteStorage) CountByKind(ctx context.Context, q *events.Query) (map[string]int64, error) {
	where, args := buildWhereClause(q)

	query := "SELECT kind, COUNT(*) FROM events"
	if where != "" {
		query += " WHERE " + where
	}
	query += " GROUP BY kind"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, events.NewStorageError("sqlite", "count", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			kind string
			n    int64
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, events.NewStorageError("sqlite", "scan", err)
		}
		counts[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, events.NewStorageError("sqlite", "count", err)
	}
	return counts, nil
}

// DeleteBefore removes events older than t.
func (s *SQLiteStorage) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE time_ns < ?", t.UnixNano())
	if err != nil {
		return 0, events.NewStorageError("sqlite", "delete", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, events.NewStorageError("sqlite", "delete", err)
	}
	return n, nil
}

// Close releases the database.
func (s *SQLiteStorage) Close() error {
	if s.insert != nil {
		s.insert.Close()
	}
	if err := s.db.Close(); err != nil {
		return events.NewStorageError("sqlite", "close", err)
	}
	return nil
}

func buildWhereClause(q *events.Query) (string, []any) {
	if q == nil {
		return "", nil
	}

	var (
		conditions []string
		args       []any
	)
	if q.Since != nil {
		conditions = append(conditions, "time_ns >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if q.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.Host != "" {
		conditions = append(conditions, "host = ?")
		args = append(args, q.Host)
	}
	return strings.Join(conditions, " AND "), args
}
