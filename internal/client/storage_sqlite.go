package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const lockKey = "locked_room"

// SQLiteStorage persists the buffer and lock state in a local SQLite file.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS pending (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id TEXT NOT NULL DEFAULT '',
			qr_text TEXT NOT NULL,
			manual INTEGER NOT NULL DEFAULT 0,
			captured_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return err
	}
	return s.addColumn("pending", "room_id", "TEXT NOT NULL DEFAULT ''")
}

// addColumn upgrades buffers created before the column existed.
func (s *SQLiteStorage) addColumn(table, column, decl string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}

func (s *SQLiteStorage) Append(ctx context.Context, p Pending) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending (room_id, qr_text, manual, captured_at) VALUES (?, ?, ?, ?)
	`, p.RoomID, p.QRText, p.Manual, p.CapturedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("append pending: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStorage) Peek(ctx context.Context, n int) ([]Pending, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, qr_text, manual, captured_at FROM pending ORDER BY id ASC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("peek pending: %w", err)
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		var (
			p  Pending
			at string
		)
		if err := rows.Scan(&p.ID, &p.RoomID, &p.QRText, &p.Manual, &at); err != nil {
			return nil, err
		}
		p.CapturedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Remove deletes exactly the given ids in one transaction.
func (s *SQLiteStorage) Remove(ctx context.Context, ids []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM pending WHERE id = ?`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("remove pending %d: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending`)
	return err
}

func (s *SQLiteStorage) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending`).Scan(&n)
	return n, err
}

func (s *SQLiteStorage) LockedRoom(ctx context.Context) (string, error) {
	var room string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, lockKey).Scan(&room)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return room, err
}

// SetLockedRoom stores the lock. An empty room clears it.
func (s *SQLiteStorage) SetLockedRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, lockKey)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, lockKey, roomID)
	return err
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
