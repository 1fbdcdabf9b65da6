package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultSQLiteReaderConns is the number of concurrent read connections.
	// SQLite WAL mode allows many readers alongside a single writer; 4 is a
	// reasonable default for a desktop/server workload.
	defaultSQLiteReaderConns = 4
)

// Pool provides separate read and write database handles.
//
// For SQLite with WAL mode, this enables concurrent reads while serializing
// writes through a single connection: the writer pool uses MaxOpenConns(1)
// to avoid SQLITE_BUSY on write contention, while the reader pool allows
// several concurrent SELECT connections.
//
// For PostgreSQL, Writer and Reader return the same *sqlx.DB since pgx
// handles connection pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
	driver string
}

// Writer returns the connection used for INSERT/UPDATE/DELETE and
// transactions. For SQLite this is a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Driver returns the dialect this pool was opened with.
func (p *Pool) Driver() string { return p.driver }

// Close closes both pools, avoiding a double-close when writer and reader
// share one handle (Postgres).
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// OpenSQLitePool opens a SQLite-backed Pool at dbPath. ":memory:" opens a
// private, single-connection in-memory database suitable for tests.
func OpenSQLitePool(dbPath string) (*Pool, error) {
	if dbPath == ":memory:" {
		db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
		if err != nil {
			return nil, fmt.Errorf("open in-memory sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		sx := sqlx.NewDb(db, "sqlite3")
		return &Pool{writer: sx, reader: sx, driver: dialectSQLite}, nil
	}

	writer, err := openSQLiteWriter(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := openSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Pool{
		writer: sqlx.NewDb(writer, "sqlite3"),
		reader: sqlx.NewDb(reader, "sqlite3"),
		driver: dialectSQLite,
	}, nil
}

// OpenPostgresPool opens a PostgreSQL-backed Pool using pgx's stdlib driver.
func OpenPostgresPool(dsn string, maxConns, minConns int) (*Pool, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	sx := sqlx.NewDb(db, "pgx")
	return &Pool{writer: sx, reader: sx, driver: dialectPGX}, nil
}

const (
	dialectSQLite = "sqlite3"
	dialectPGX    = "pgx"
)

func openSQLiteWriter(dbPath string) (*sql.DB, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("prepare database path: %w", err)
	}
	if err := ensureSQLiteFile(normalized); err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalized, int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer connection: serializes writes and keeps eventId
	// allocation race-free without an explicit application lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func openSQLiteReader(dbPath string) (*sql.DB, error) {
	normalized := normalizeSQLitePath(dbPath)
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalized, int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	db.SetMaxOpenConns(defaultSQLiteReaderConns)
	db.SetMaxIdleConns(defaultSQLiteReaderConns)
	return db, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
