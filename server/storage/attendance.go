package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// InsertLogs persists one sendlog batch atomically. Either every row
// lands or none does; the terminal resends on failure.
func (s *Store) InsertLogs(ctx context.Context, logs []*AttendanceLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf(`storage: begin: %w`, err)
	}
	stmt, err := tx.Prepare(`INSERT INTO attendance_logs
		(terminal_id, user_id, enrollid, time, mode, inout, event, temperature, image,
		 raw_payload, access_granted, within_schedule, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf(`storage: prepare: %w`, err)
	}
	now := time.Now().UTC()
	for _, l := range logs {
		res, err := stmt.Exec(l.TerminalID, intPtr(l.UserID), l.EnrollID, l.Time.UTC(),
			l.Mode, l.InOut, l.Event, floatPtr(l.Temperature), l.Image,
			l.RawPayload, l.AccessGranted, l.WithinSchedule, SyncPending, now, now)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf(`storage: insert log: %w`, err)
		}
		l.ID, _ = res.LastInsertId()
		l.SyncStatus = SyncPending
	}
	stmt.Close()
	if err = tx.Commit(); err != nil {
		return fmt.Errorf(`storage: commit: %w`, err)
	}
	return nil
}

// LastPunch returns the most recent punch of an enrollid on a
// terminal strictly before `before`.
func (s *Store) LastPunch(terminalID int64, enrollid int, before time.Time) (time.Time, int, error) {
	var at time.Time
	var inout int
	err := s.db.QueryRow(`SELECT time, inout FROM attendance_logs
		WHERE terminal_id = ? AND enrollid = ? AND time < ?
		ORDER BY time DESC LIMIT 1`,
		terminalID, enrollid, before.UTC()).Scan(&at, &inout)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, 0, ErrNotFound
	}
	return at, inout, err
}

// NextInOut implements the server-side direction rule: alternate from
// the previous punch, falling back to check-in (0) when there is no
// history or the previous punch is outside the work-session window.
func NextInOut(prevAt time.Time, prevInOut int, at time.Time, window time.Duration) int {
	if prevAt.IsZero() {
		return 0
	}
	if at.Sub(prevAt) > window {
		return 0
	}
	if prevInOut == 0 {
		return 1
	}
	return 0
}

const syncLogSelect = `SELECT l.id, l.terminal_id, t.sn, l.enrollid, l.time, l.mode, l.inout, l.event,
	l.temperature, l.access_granted, l.raw_payload, l.sync_attempts, l.sync_error,
	IFNULL(u.external_id, ''), IFNULL(u.name, '')
	FROM attendance_logs l
	JOIN terminals t ON t.id = l.terminal_id
	LEFT JOIN biometric_users u ON u.id = l.user_id`

func scanSyncLogs(rows *sql.Rows) ([]*SyncLog, error) {
	defer rows.Close()
	var out []*SyncLog
	for rows.Next() {
		l := &SyncLog{}
		var temp sql.NullFloat64
		err := rows.Scan(&l.ID, &l.TerminalID, &l.TerminalSN, &l.EnrollID, &l.Time, &l.Mode, &l.InOut,
			&l.Event, &temp, &l.AccessGranted, &l.RawPayload, &l.SyncAttempts, &l.SyncError,
			&l.ExternalUserID, &l.UserName)
		if err != nil {
			return nil, err
		}
		if temp.Valid {
			l.Temperature = &temp.Float64
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// PendingLogs selects the first-attempt batch for a config: pending
// rows of terminals actively mapped for attendance, oldest first.
func (s *Store) PendingLogs(configID int64, terminalID *int64, limit int) ([]*SyncLog, error) {
	query := syncLogSelect + `
		JOIN terminal_thirdparty_mappings m ON m.terminal_id = l.terminal_id AND m.config_id = ?
		WHERE l.sync_status = ? AND l.sync_attempts = 0 AND m.is_active = 1 AND m.sync_attendance = 1`
	args := []any{configID, SyncPending}
	if terminalID != nil {
		query += ` AND l.terminal_id = ?`
		args = append(args, *terminalID)
	}
	query += ` ORDER BY l.time ASC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return scanSyncLogs(rows)
}

// RetryEligibleLogs selects retried rows whose backoff has elapsed:
// attempts k in 1..4 and now >= updated_at + backoff(k).
func (s *Store) RetryEligibleLogs(configID int64, now time.Time, limit int) ([]*SyncLog, error) {
	rows, err := s.db.Query(syncLogSelect+`
		JOIN terminal_thirdparty_mappings m ON m.terminal_id = l.terminal_id AND m.config_id = ?
		WHERE l.sync_status = ? AND l.sync_attempts > 0 AND l.sync_attempts < ?
			AND m.is_active = 1 AND m.sync_attendance = 1
			AND julianday(l.updated_at) <= julianday(?) - (CASE l.sync_attempts WHEN 1 THEN 1 WHEN 2 THEN 5 WHEN 3 THEN 15 WHEN 4 THEN 60 ELSE 240 END) / 1440.0
		ORDER BY l.time ASC LIMIT ?`,
		configID, SyncPending, MaxSyncAttempts, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanSyncLogs(rows)
}

func (s *Store) MarkLogsSent(ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{SyncSent, at.UTC(), at.UTC()}, idArgs(ids)...)
	_, err := s.db.Exec(`UPDATE attendance_logs SET sync_status = ?, synced_at = ?, sync_error = '', updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// MarkLogsFailed records one delivery failure on every row of a
// batch. Rows reaching MaxSyncAttempts are promoted to the
// dead-letter state.
func (s *Store) MarkLogsFailed(ids []int64, syncError string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if len(syncError) > 500 {
		cut := 500
		for cut > 0 && !utf8.RuneStart(syncError[cut]) {
			cut--
		}
		syncError = syncError[:cut]
	}
	args := append([]any{syncError, MaxSyncAttempts, SyncFailed, at.UTC()}, idArgs(ids)...)
	_, err := s.db.Exec(`UPDATE attendance_logs SET
		sync_attempts = sync_attempts + 1,
		sync_error = ?,
		sync_status = CASE WHEN sync_attempts + 1 >= ? THEN ? ELSE sync_status END,
		updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// DelayLogs pushes rate-limited rows into the future: eligibility is
// updated_at + backoff(k), so updated_at becomes
// now + retryAfter - backoff(k).
func (s *Store) DelayLogs(ids []int64, now time.Time, retryAfter time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{now.UTC(), retryAfter.Seconds()}, idArgs(ids)...)
	_, err := s.db.Exec(`UPDATE attendance_logs SET
		updated_at = datetime(julianday(?) + ? / 86400.0 - `+backoffCase+` / 1440.0)
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

func (s *Store) DeadLetterLogs(limit int) ([]*SyncLog, error) {
	rows, err := s.db.Query(syncLogSelect+`
		WHERE l.sync_status = ? ORDER BY l.updated_at DESC LIMIT ?`,
		SyncFailed, limit)
	if err != nil {
		return nil, err
	}
	return scanSyncLogs(rows)
}

// ResetFailedLogs re-queues dead-letter rows. An empty id list resets
// every failed row.
func (s *Store) ResetFailedLogs(ids []int64) (int64, error) {
	query := `UPDATE attendance_logs SET sync_status = ?, sync_attempts = 0, sync_error = '', updated_at = ?
		WHERE sync_status = ?`
	args := []any{SyncPending, time.Now().UTC(), SyncFailed}
	if len(ids) > 0 {
		query += ` AND id IN (` + placeholders(len(ids)) + `)`
		args = append(args, idArgs(ids)...)
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CleanupFailedLogs(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM attendance_logs
		WHERE sync_status = ? AND julianday(updated_at) < julianday(?)`,
		SyncFailed, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetLog(id int64) (*AttendanceLog, error) {
	l := &AttendanceLog{}
	var userID sql.NullInt64
	var temp sql.NullFloat64
	var syncedAt sql.NullTime
	err := s.db.QueryRow(`SELECT id, terminal_id, user_id, enrollid, time, mode, inout, event,
		temperature, image, raw_payload, access_granted, within_schedule,
		sync_status, sync_attempts, synced_at, sync_error, created_at, updated_at
		FROM attendance_logs WHERE id = ?`, id).
		Scan(&l.ID, &l.TerminalID, &userID, &l.EnrollID, &l.Time, &l.Mode, &l.InOut, &l.Event,
			&temp, &l.Image, &l.RawPayload, &l.AccessGranted, &l.WithinSchedule,
			&l.SyncStatus, &l.SyncAttempts, &syncedAt, &l.SyncError, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		l.UserID = &userID.Int64
	}
	if temp.Valid {
		l.Temperature = &temp.Float64
	}
	if syncedAt.Valid {
		l.SyncedAt = &syncedAt.Time
	}
	return l, nil
}

// SyncStats counts attendance rows per sync state.
func (s *Store) SyncStats() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT sync_status, COUNT(*) FROM attendance_logs GROUP BY sync_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := map[string]int64{SyncPending: 0, SyncSent: 0, SyncFailed: 0}
	var total int64
	for rows.Next() {
		var status string
		var count int64
		if err = rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		total += count
	}
	stats[`total`] = total
	return stats, rows.Err()
}

func floatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
