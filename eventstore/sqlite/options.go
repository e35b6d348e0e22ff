package sqlite

import (
	"database/sql"

	"github.com/freedeepresearch/eventcore/eventstore"
)

type options struct {
	*eventstore.Options

	SQLiteOptions func(db *sql.DB)

	// ApplyMigrations automatically applies database migrations on startup.
	ApplyMigrations bool
}

type option func(*options)

// WithApplyMigrations automatically applies database migrations on startup.
func WithApplyMigrations(applyMigrations bool) option {
	return func(o *options) {
		o.ApplyMigrations = applyMigrations
	}
}

func WithSQLiteOptions(f func(db *sql.DB)) option {
	return func(o *options) {
		o.SQLiteOptions = f
	}
}

// WithStoreOptions allows to pass generic store options.
func WithStoreOptions(opts ...eventstore.StoreOption) option {
	return func(o *options) {
		for _, opt := range opts {
			opt(o.Options)
		}
	}
}
