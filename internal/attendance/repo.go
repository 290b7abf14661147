package attendance

import (
	"context"
	"database/sql"

	"roomscan/internal/model"
	"roomscan/internal/store"
)

// Repository persists scans and room-period summaries in Postgres.
type Repository struct {
	store.Periods
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{Periods: store.Periods{DB: db}, db: db}
}

// bumpSummary creates or increments one summary row. Counter columns are
// incremented by the EXCLUDED values so concurrent writers never lose updates.
const bumpSummary = `
	INSERT INTO room_period_summary (
		event_day, period_id, room_id, ok_count, dup_count, err_count,
		last_ts, last_student_id, last_name, last_grade, last_status, last_error, last_heartbeat
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $7)
	ON CONFLICT (event_day, period_id, room_id) DO UPDATE SET
		ok_count        = room_period_summary.ok_count + EXCLUDED.ok_count,
		dup_count       = room_period_summary.dup_count + EXCLUDED.dup_count,
		err_count       = room_period_summary.err_count + EXCLUDED.err_count,
		last_ts         = EXCLUDED.last_ts,
		last_student_id = COALESCE(EXCLUDED.last_student_id, room_period_summary.last_student_id),
		last_name       = COALESCE(EXCLUDED.last_name, room_period_summary.last_name),
		last_grade      = COALESCE(EXCLUDED.last_grade, room_period_summary.last_grade),
		last_status     = EXCLUDED.last_status,
		last_error      = EXCLUDED.last_error,
		last_heartbeat  = EXCLUDED.last_heartbeat
`

// ApplyScan inserts the event and bumps the summary in one transaction.
// A conflict on the (event_day, period_id, student_id) key is a duplicate.
func (r *Repository) ApplyScan(ctx context.Context, ev model.ScanEvent) (model.ScanStatus, error) {
	status := model.StatusOK
	err := store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO scans (scan_id, event_day, period_id, room_id, student_id, grade, name, scanned_at, source_role)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT ON CONSTRAINT scans_day_period_student_key DO NOTHING
		`, ev.ScanID, ev.EventDay, ev.PeriodID, ev.RoomID, ev.StudentID, ev.Grade, ev.Name, ev.Timestamp, ev.SourceRole)
		if err != nil {
			return err
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok, dup := 1, 0
		if inserted == 0 {
			status = model.StatusDuplicate
			ok, dup = 0, 1
		}
		_, err = tx.ExecContext(ctx, bumpSummary,
			ev.EventDay, ev.PeriodID, ev.RoomID, ok, dup, 0,
			ev.Timestamp, ev.StudentID, ev.Name, ev.Grade, status.SummaryStatus(), nil)
		return err
	})
	if err != nil {
		return model.StatusError, err
	}
	return status, nil
}

// RecordFailure bumps err_count with last_error set to the reason.
func (r *Repository) RecordFailure(ctx context.Context, f model.Failure) error {
	_, err := r.db.ExecContext(ctx, bumpSummary,
		f.Key.EventDay, f.Key.PeriodID, f.Key.RoomID, 0, 0, 1,
		f.At, f.StudentID, nil, nil, model.StatusError.SummaryStatus(), f.Reason)
	return err
}
