// Package postgres opens the PostgreSQL-backed store through pgx's database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vovakirdan/relaychat-server/internal/store/migrations"
	"github.com/vovakirdan/relaychat-server/internal/store/sqlstore"
)

// New connects to dsn, applies pending migrations and returns the store.
func New(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrations.Up(ctx, db, goose.DialectPostgres); err != nil {
		db.Close()
		return nil, err
	}

	return sqlstore.New(db, sq.Dollar), nil
}
