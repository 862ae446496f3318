// Package sqlite opens the SQLite-backed store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/vovakirdan/relaychat-server/internal/store/migrations"
	"github.com/vovakirdan/relaychat-server/internal/store/sqlstore"
)

func open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// New opens the database at dbPath and applies pending migrations.
func New(dbPath string) (*sqlstore.Store, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		return migrations.Up(context.Background(), db, goose.DialectSQLite3)
	})
}

// NewWithSetup opens the database and runs setup instead of the bundled migrations.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*sqlstore.Store, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	return sqlstore.New(db, sq.Question), nil
}
