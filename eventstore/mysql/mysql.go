package mysql

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	mysqlmigrate "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel/trace"

	"github.com/freedeepresearch/eventcore/cqrs"
	"github.com/freedeepresearch/eventcore/eventstore"
	"github.com/freedeepresearch/eventcore/internal/metrickeys"
	"github.com/freedeepresearch/eventcore/metrics"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

// NewMysqlStore creates a store backed by the given MySQL database.
func NewMysqlStore(host string, port int, user, password, database string, opts ...option) *Store {
	options := &options{
		Options:         eventstore.ApplyOptions(),
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=true", user, password, host, port, database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
	}

	if options.MySQLOptions != nil {
		options.MySQLOptions(db)
	}

	mc := options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "mysql"})

	s := &Store{
		dsn:     dsn,
		db:      db,
		options: options,
		metrics: mc,
		bus:     eventstore.NewBus(options.Logger, mc),
	}

	if options.ApplyMigrations {
		if err := s.Migrate(); err != nil {
			panic(err)
		}
	}

	return s
}

type Store struct {
	dsn     string
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

// Migrate applies any pending database migrations. Migration files can hold
// multiple statements, so they run on a separate connection with
// multiStatements enabled.
func (s *Store) Migrate() error {
	db, err := sql.Open("mysql", s.dsn+"&multiStatements=true")
	if err != nil {
		return fmt.Errorf("opening schema database: %w", err)
	}

	dbi, err := mysqlmigrate.WithInstance(db, &mysqlmigrate.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "mysql", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	if err := db.Close(); err != nil {
		return fmt.Errorf("closing schema database: %w", err)
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
