package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"roomscan/internal/model"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return &DB{Client: db}, fmt.Errorf("ping postgres: %w", err)
	}
	return &DB{Client: db}, nil
}

// Healthy verifies database connectivity.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// WithTx runs fn inside a transaction, committing when it returns nil.
func WithTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Periods reads the period table shared by the ingestion and sync repositories.
type Periods struct {
	DB *sql.DB
}

// ActivePeriods returns active periods ordered by sort_order.
func (p Periods) ActivePeriods(ctx context.Context) ([]model.Period, error) {
	rows, err := p.DB.QueryContext(ctx, `
		SELECT period_id, COALESCE(group_id, ''), start_time, end_time, active, scan_enabled, sort_order
		FROM periods
		WHERE active = TRUE
		ORDER BY sort_order ASC, period_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Period
	for rows.Next() {
		var (
			p           model.Period
			scanEnabled sql.NullBool
		)
		if err := rows.Scan(&p.PeriodID, &p.GroupID, &p.StartTime, &p.EndTime, &p.Active, &scanEnabled, &p.SortOrder); err != nil {
			return nil, err
		}
		if scanEnabled.Valid {
			v := scanEnabled.Bool
			p.ScanEnabled = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
