package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/freedeepresearch/eventcore/cqrs"
	"github.com/freedeepresearch/eventcore/eventstore"
	"github.com/freedeepresearch/eventcore/internal/metrickeys"
	"github.com/freedeepresearch/eventcore/metrics"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

// NewInMemoryStore creates a store backed by an in-memory sqlite database.
// For tests and samples.
func NewInMemoryStore(opts ...option) *Store {
	s := newSqliteStore("file::memory:", opts...)

	// A single connection keeps the in-memory database alive.
	s.db.SetMaxOpenConns(1)

	if err := s.Migrate(); err != nil {
		panic(err)
	}

	return s
}

func NewStore(path string, opts ...option) *Store {
	s := newSqliteStore(fmt.Sprintf("file:%v", path), opts...)

	if s.options.ApplyMigrations {
		if err := s.Migrate(); err != nil {
			panic(err)
		}
	}

	return s
}

func newSqliteStore(dsn string, opts ...option) *Store {
	options := &options{
		Options:         eventstore.ApplyOptions(),
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(err)
	}

	if options.SQLiteOptions != nil {
		options.SQLiteOptions(db)
	}

	mc := options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "sqlite"})

	return &Store{
		db:      db,
		options: options,
		metrics: mc,
		bus:     eventstore.NewBus(options.Logger, mc),
	}
}

type Store struct {
	db      *sql.DB
	options *options
	metrics metrics.Client
	bus     eventstore.Bus
}

var (
	_ eventstore.Store         = (*Store)(nil)
	_ eventstore.SnapshotStore = (*Store)(nil)
	_ cqrs.CheckpointStore     = (*Store)(nil)
)

// Migrate applies any pending database migrations.
func (s *Store) Migrate() error {
	dbi, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "sqlite", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	return nil
}

func (s *Store) Bus() eventstore.Bus {
	return s.bus
}

func (s *Store) Tracer() trace.Tracer {
	return s.options.TracerProvider.Tracer(eventstore.TracerName)
}

func (s *Store) Metrics() metrics.Client {
	return s.metrics
}

func (s *Store) Options() *eventstore.Options {
	return s.options.Options
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Timestamps are persisted as RFC3339 strings so values survive any sqlite
// column affinity.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
