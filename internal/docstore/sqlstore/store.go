// Package sqlstore implements docstore.Database on top of database/sql.
//
// One physical database (a sqlite file for local mirrors, a postgres
// database for a remote cluster) holds any number of logical document
// databases keyed by name. Every write bumps a per-name sequence; the change
// feed is the latest revision of each document ordered by that sequence.
//
// Long-polling callers are woken by an in-process notifier when the same
// Store commits a write, and re-check every poll interval to pick up writes
// made by other processes sharing the database.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/fieldkeeper/internal/dbx"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const defaultPollInterval = 250 * time.Millisecond

// Store is a set of logical document databases sharing one *sql.DB.
type Store struct {
	db           *sql.DB
	dialect      dbx.Dialect
	pollInterval time.Duration

	mu       sync.Mutex
	notifier map[string]chan struct{}
}

// Option customises a Store.
type Option func(*Store)

// WithPollInterval sets how often waiting change feeds re-query the database.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New wraps an already migrated db.
func New(db *sql.DB, d dbx.Dialect, opts ...Option) *Store {
	s := &Store{
		db:           db,
		dialect:      d,
		pollInterval: defaultPollInterval,
		notifier:     make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OpenSQLite opens (creating if needed) a sqlite document store and runs the
// migrations. ":memory:" gives a private in-memory store.
func OpenSQLite(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open(dbx.DialectSQLite.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite[%s]: %w", dsn, err)
	}
	// sqlite serialises writers anyway, and every :memory: connection would
	// be a separate database.
	db.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db, dbx.DialectSQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, dbx.DialectSQLite, opts...), nil
}

// OpenPostgres connects to a postgres document store through pgx and runs
// the migrations.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open(dbx.DialectPostgres.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := RunMigrations(ctx, db, dbx.DialectPostgres); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, dbx.DialectPostgres, opts...), nil
}

// Database returns the logical database called name. Handles are cheap and
// share the Store's connection pool.
func (s *Store) Database(name string) docstore.Database {
	return &database{s: s, name: name}
}

// Dialect reports the SQL flavour of the store.
func (s *Store) Dialect() dbx.Dialect {
	return s.dialect
}

// Close closes the underlying *sql.DB.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q(query string) string {
	return dbx.Rebind(s.dialect, query)
}

// waiter returns the channel closed by the next commit to name.
func (s *Store) waiter(name string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.notifier[name]
	if !ok {
		ch = make(chan struct{})
		s.notifier[name] = ch
	}
	return ch
}

func (s *Store) notify(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.notifier[name]; ok {
		close(ch)
		delete(s.notifier, name)
	}
}
