package device

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"roomscan/internal/model"
	"roomscan/internal/store"
)

// Repository persists device state in Postgres.
type Repository struct {
	store.Periods
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{Periods: store.Periods{DB: db}, db: db}
}

// UpsertStatus overwrites telemetry for a room. scanner_enabled is owned by
// room controls and left untouched.
func (r *Repository) UpsertStatus(ctx context.Context, st model.DeviceStatus) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO room_device_status (room_id, online, battery_pct, charging, queue_len, scanning, last_seen_ts, last_note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_id) DO UPDATE SET
			online       = EXCLUDED.online,
			battery_pct  = EXCLUDED.battery_pct,
			charging     = EXCLUDED.charging,
			queue_len    = EXCLUDED.queue_len,
			scanning     = EXCLUDED.scanning,
			last_seen_ts = EXCLUDED.last_seen_ts,
			last_note    = EXCLUDED.last_note
	`, st.RoomID, st.Online, st.BatteryPct, st.Charging, st.QueueLen, st.Scanning, st.LastSeenTS, st.LastNote)
	return err
}

// TouchHeartbeat refreshes last_heartbeat, creating the summary row if needed.
func (r *Repository) TouchHeartbeat(ctx context.Context, key model.SummaryKey, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO room_period_summary (event_day, period_id, room_id, last_heartbeat)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_day, period_id, room_id) DO UPDATE SET last_heartbeat = EXCLUDED.last_heartbeat
	`, key.EventDay, key.PeriodID, key.RoomID, at)
	return err
}

// ConsumeControl reads the room's control row and clears force_unlock under a row lock,
// so a pending unlock is handed to exactly one poll.
func (r *Repository) ConsumeControl(ctx context.Context, roomID string, at time.Time) (model.RoomControl, error) {
	ctl := model.RoomControl{RoomID: roomID, ScannerEnabled: true, UpdatedTS: at}
	err := store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT force_unlock, scanner_enabled, COALESCE(disable_message, ''), updated_ts
			FROM room_controls
			WHERE room_id = $1
			FOR UPDATE
		`, roomID).Scan(&ctl.ForceUnlock, &ctl.ScannerEnabled, &ctl.DisableMessage, &ctl.UpdatedTS)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if !ctl.ForceUnlock {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE room_controls SET force_unlock = FALSE, updated_ts = $2 WHERE room_id = $1
		`, roomID, at)
		return err
	})
	if err != nil {
		return model.RoomControl{}, err
	}
	return ctl, nil
}

// ApplyControl applies an administrator command. disable and enable also mirror
// scanner_enabled onto the device status row.
func (r *Repository) ApplyControl(ctx context.Context, roomID string, action model.ControlAction, message string, at time.Time) error {
	return store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		switch action {
		case model.ActionForceUnlock:
			_, err := tx.ExecContext(ctx, `
				INSERT INTO room_controls (room_id, force_unlock, updated_ts)
				VALUES ($1, TRUE, $2)
				ON CONFLICT (room_id) DO UPDATE SET force_unlock = TRUE, updated_ts = EXCLUDED.updated_ts
			`, roomID, at)
			return err
		case model.ActionDisable:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO room_controls (room_id, scanner_enabled, disable_message, updated_ts)
				VALUES ($1, FALSE, $2, $3)
				ON CONFLICT (room_id) DO UPDATE SET
					scanner_enabled = FALSE,
					disable_message = EXCLUDED.disable_message,
					updated_ts      = EXCLUDED.updated_ts
			`, roomID, message, at); err != nil {
				return err
			}
			return setDeviceEnabled(ctx, tx, roomID, false)
		case model.ActionEnable:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO room_controls (room_id, force_unlock, scanner_enabled, disable_message, updated_ts)
				VALUES ($1, FALSE, TRUE, NULL, $2)
				ON CONFLICT (room_id) DO UPDATE SET
					force_unlock    = FALSE,
					scanner_enabled = TRUE,
					disable_message = NULL,
					updated_ts      = EXCLUDED.updated_ts
			`, roomID, at); err != nil {
				return err
			}
			return setDeviceEnabled(ctx, tx, roomID, true)
		default:
			return ErrBadAction
		}
	})
}

func setDeviceEnabled(ctx context.Context, tx *sql.Tx, roomID string, enabled bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO room_device_status (room_id, scanner_enabled)
		VALUES ($1, $2)
		ON CONFLICT (room_id) DO UPDATE SET scanner_enabled = EXCLUDED.scanner_enabled
	`, roomID, enabled)
	return err
}

// ActiveRooms lists rooms shown on the dashboard.
func (r *Repository) ActiveRooms(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT room_id FROM rooms WHERE active = TRUE ORDER BY sort_order ASC, room_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Summaries lists summary rows for a period-day.
func (r *Repository) Summaries(ctx context.Context, eventDay, periodID string) ([]model.RoomPeriodSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_day, period_id, room_id, ok_count, dup_count, err_count,
			last_ts, last_student_id, last_name, last_grade, last_status, last_error,
			help_flag, support_type, support_ts, last_heartbeat
		FROM room_period_summary
		WHERE event_day = $1 AND period_id = $2
	`, eventDay, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RoomPeriodSummary
	for rows.Next() {
		var s model.RoomPeriodSummary
		if err := rows.Scan(&s.EventDay, &s.PeriodID, &s.RoomID, &s.OKCount, &s.DupCount, &s.ErrCount,
			&s.LastTS, &s.LastStudentID, &s.LastName, &s.LastGrade, &s.LastStatus, &s.LastError,
			&s.HelpFlag, &s.SupportType, &s.SupportTS, &s.LastHeartbeat); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeviceStatuses lists every device row.
func (r *Repository) DeviceStatuses(ctx context.Context) ([]model.DeviceStatus, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT room_id, online, battery_pct, charging, queue_len, scanning, scanner_enabled, last_seen_ts, last_note
		FROM room_device_status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeviceStatus
	for rows.Next() {
		var d model.DeviceStatus
		if err := rows.Scan(&d.RoomID, &d.Online, &d.BatteryPct, &d.Charging, &d.QueueLen,
			&d.Scanning, &d.ScannerEnabled, &d.LastSeenTS, &d.LastNote); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateSupport stores a request and flags the room's summary row.
func (r *Repository) CreateSupport(ctx context.Context, req model.SupportRequest) error {
	return store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO support_requests (req_id, event_day, period_id, room_id, support_type, note, status, created_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, req.ReqID, req.EventDay, req.PeriodID, req.RoomID, req.SupportType, req.Note, req.Status, req.CreatedTS); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO room_period_summary (event_day, period_id, room_id, help_flag, support_type, support_ts)
			VALUES ($1, $2, $3, TRUE, $4, $5)
			ON CONFLICT (event_day, period_id, room_id) DO UPDATE SET
				help_flag    = TRUE,
				support_type = EXCLUDED.support_type,
				support_ts   = EXCLUDED.support_ts
		`, req.EventDay, req.PeriodID, req.RoomID, req.SupportType, req.CreatedTS)
		return err
	})
}

// ResolveSupport closes a request and clears the room's help flag for the day
// once no open requests remain.
func (r *Repository) ResolveSupport(ctx context.Context, reqID, resolvedBy string, at time.Time) error {
	return store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var eventDay, roomID string
		err := tx.QueryRowContext(ctx, `
			UPDATE support_requests SET status = 'RESOLVED', resolved_ts = $2, resolved_by = $3
			WHERE req_id = $1
			RETURNING event_day, room_id
		`, reqID, at, resolvedBy).Scan(&eventDay, &roomID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE room_period_summary SET help_flag = FALSE, support_type = NULL
			WHERE event_day = $1 AND room_id = $2
			AND NOT EXISTS (
				SELECT 1 FROM support_requests
				WHERE event_day = $1 AND room_id = $2 AND status = 'OPEN'
			)
		`, eventDay, roomID)
		return err
	})
}

// ListSupport returns requests for a period-day with the given status, newest first.
func (r *Repository) ListSupport(ctx context.Context, eventDay, periodID, status string, limit int) ([]model.SupportRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT req_id, event_day, period_id, room_id, support_type, note, status, created_ts, resolved_ts, resolved_by
		FROM support_requests
		WHERE event_day = $1 AND period_id = $2 AND status = $3
		ORDER BY created_ts DESC
		LIMIT $4
	`, eventDay, periodID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SupportRequest
	for rows.Next() {
		var s model.SupportRequest
		if err := rows.Scan(&s.ReqID, &s.EventDay, &s.PeriodID, &s.RoomID, &s.SupportType, &s.Note,
			&s.Status, &s.CreatedTS, &s.ResolvedTS, &s.ResolvedBy); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// StaffRole looks up an active staff badge.
func (r *Repository) StaffRole(ctx context.Context, id string) (string, bool, error) {
	var role string
	err := r.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id = $1 AND active = TRUE`, id).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return role, true, nil
}
