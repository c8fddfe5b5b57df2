package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // register the pure-Go sqlite driver
)

//go:embed migrations
var migrationsFS embed.FS

// sqliteStore implements Store on a single embedded SQLite database.
type sqliteStore struct {
	db *sql.DB

	// maxMemoryChars bounds user memory content (content_too_long).
	maxMemoryChars int
}

// Options tune store-level limits.
type Options struct {
	// MaxMemoryChars rejects longer user memory content. Zero means the
	// built-in default of 4000.
	MaxMemoryChars int
}

// Open opens (creating if needed) the SQLite database at path and applies
// pending embedded migrations. Use path ":memory:" for tests.
func Open(ctx context.Context, path string, opts Options) (Store, error) {
	// Serialized access plus a busy timeout: the kernel runs many
	// goroutines against one file database.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite is not safe for concurrent writes over multiple
	// connections to the same handle; one connection serializes them.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	maxChars := opts.MaxMemoryChars
	if maxChars <= 0 {
		maxChars = 4000
	}

	return &sqliteStore{db: db, maxMemoryChars: maxChars}, nil
}

// runMigrations applies the embedded migration files. Already-applied
// migrations are tolerated.
func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	if srcErr := sourceDriver.Close(); srcErr != nil {
		return fmt.Errorf("failed to close migration source: %w", srcErr)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// --- JSON column helpers ---

func marshalJSON(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func unmarshalMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func unmarshalStrings(raw string) []string {
	out := []string{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func unmarshalInts(raw string) []int {
	out := []int{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// nullTime converts a nullable column value.
func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
