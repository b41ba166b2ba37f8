package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/roach88/stepsync/internal/progress"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added steps position index
const currentSchemaVersion = 1

// Supported database/sql driver names.
const (
	DriverCGo    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// DefaultPollInterval is how often Subscribe checks for remote changes.
const DefaultPollInterval = time.Second

// Store is a SQLite implementation of engine.Gateway.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
	poll   time.Duration
	logger *slog.Logger

	// written holds the last fingerprint this instance wrote per session,
	// so pollers skip changes that originated here.
	mu      sync.Mutex
	written map[progress.SessionKey]string

	watchers sync.WaitGroup
	closing  chan struct{}
	once     sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithDriver selects the database/sql driver: DriverCGo (default) or
// DriverPureGo.
func WithDriver(name string) Option {
	return func(s *Store) {
		s.driver = name
	}
}

// WithNow sets the time source for created_at/updated_at.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithPollInterval sets how often subscriptions poll for changes.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		s.poll = d
	}
}

// WithLogger sets the logger used by subscription pollers.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		driver:  DriverCGo,
		now:     func() time.Time { return time.Now().UTC() },
		poll:    DefaultPollInterval,
		logger:  slog.Default(),
		written: make(map[progress.SessionKey]string),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.driver != DriverCGo && s.driver != DriverPureGo {
		return nil, fmt.Errorf("open store: unsupported driver %q", s.driver)
	}

	db, err := sql.Open(s.driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s.db = db
	return s, nil
}

// Close stops subscription pollers and closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.once.Do(func() { close(s.closing) })
	s.watchers.Wait()
	return s.db.Close()
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string {
	return s.driver
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the step ordering index for databases created before it
// was part of schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_steps_position
		ON steps(session_id, phase, position)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

func (s *Store) rememberWrite(key progress.SessionKey, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written[key] = fingerprint
}

func (s *Store) wroteLast(key progress.SessionKey, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written[key] == fingerprint
}
