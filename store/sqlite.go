package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"intelvault/core"
	"intelvault/metrics"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLitePersistence stores records in a single SQLite table.
// Writes go through a single-connection pool, reads through a query-only pool (WAL mode).
type SQLitePersistence struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	logger  *zap.SugaredLogger
}

func configureSQLiteConnection(db *sql.DB, dbPath, poolType string, logger *zap.SugaredLogger) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// in-memory databases report "memory"
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s)", journalMode)
	}
	logger.Debugw("SQLite pool configured", "pool", poolType, "journal_mode", journalMode)
	return nil
}

func validateDatabasePath(dbPath string) error {
	if dbPath == ":memory:" {
		return nil
	}
	if dbPath == "" {
		return errors.New("database path is empty")
	}
	if strings.ContainsRune(dbPath, 0) {
		return errors.New("database path contains null byte")
	}
	for _, part := range strings.Split(filepath.ToSlash(dbPath), "/") {
		if part == ".." {
			return errors.New("database path must not contain '..'")
		}
	}
	return nil
}

// NewSQLitePersistence opens (or creates) the database at dbPath.
func NewSQLitePersistence(dbPath string, logger *zap.SugaredLogger) (*SQLitePersistence, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	actualPath := dbPath
	if dbPath == ":memory:" {
		// both pools must see the same in-memory database
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := configureSQLiteConnection(writeDB, dbPath, "write", logger); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := configureSQLiteConnection(readDB, dbPath, "read", logger); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	p := &SQLitePersistence{WriteDB: writeDB, ReadDB: readDB, Path: dbPath, logger: logger}
	if err := p.createTables(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infow("SQLite persistence initialized", "path", dbPath)
	return p, nil
}

func (p *SQLitePersistence) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_kind_id ON records(kind, id);
	CREATE INDEX IF NOT EXISTS idx_records_kind_tenant ON records(kind, tenant_id, seq);
	`
	_, err := p.WriteDB.Exec(schema)
	return err
}

func (p *SQLitePersistence) Name() string { return "sqlite" }

func (p *SQLitePersistence) Put(ctx context.Context, kind core.Kind, tenantID, id string, data []byte) error {
	_, err := p.WriteDB.ExecContext(ctx, `
		INSERT INTO records (kind, id, tenant_id, data, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(kind), id, tenantID, data, time.Now().UTC())
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(p.Name(), "put").Inc()
		return fmt.Errorf("failed to put %s %s: %w", kind, id, err)
	}
	return nil
}

func (p *SQLitePersistence) Get(ctx context.Context, kind core.Kind, id string) ([]byte, error) {
	var data []byte
	err := p.ReadDB.QueryRowContext(ctx, `SELECT data FROM records WHERE kind = ? AND id = ?`, string(kind), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(p.Name(), "get").Inc()
		return nil, fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}
	return data, nil
}

func (p *SQLitePersistence) Query(ctx context.Context, kind core.Kind, tenantID string, page core.Pagination) ([]Row, error) {
	query := `SELECT tenant_id, id, data FROM records WHERE kind = ?`
	args := []any{string(kind)}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	limit := page.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}
	query += ` ORDER BY seq LIMIT ? OFFSET ?`
	args = append(args, limit, page.Offset)

	rows, err := p.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(p.Name(), "query").Inc()
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.TenantID, &r.ID, &r.Data); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", kind, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *SQLitePersistence) Delete(ctx context.Context, kind core.Kind, id string) error {
	if _, err := p.WriteDB.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, string(kind), id); err != nil {
		metrics.PersistenceErrors.WithLabelValues(p.Name(), "delete").Inc()
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	return nil
}

func (p *SQLitePersistence) Close() error {
	werr := p.WriteDB.Close()
	rerr := p.ReadDB.Close()
	return errors.Join(werr, rerr)
}
