package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const userColumns = `id, terminal_id, enrollid, name, admin_level, is_enabled,
	weekzone1, weekzone2, weekzone3, weekzone4, user_group,
	starttime, endtime, external_id, source_config_id,
	sync_status, last_synced_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*BiometricUser, error) {
	u := &BiometricUser{}
	var start, end, synced sql.NullTime
	var sourceConfig sql.NullInt64
	err := row.Scan(&u.ID, &u.TerminalID, &u.EnrollID, &u.Name, &u.AdminLevel, &u.IsEnabled,
		&u.Weekzone1, &u.Weekzone2, &u.Weekzone3, &u.Weekzone4, &u.Group,
		&start, &end, &u.ExternalID, &sourceConfig,
		&u.SyncStatus, &synced, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if start.Valid {
		u.StartTime = &start.Time
	}
	if end.Valid {
		u.EndTime = &end.Time
	}
	if synced.Valid {
		u.LastSyncedAt = &synced.Time
	}
	if sourceConfig.Valid {
		u.SourceConfigID = &sourceConfig.Int64
	}
	return u, nil
}

func (s *Store) GetUserByEnroll(terminalID int64, enrollid int) (*BiometricUser, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM biometric_users WHERE terminal_id = ? AND enrollid = ?`,
		terminalID, enrollid)
	return scanUser(row)
}

func (s *Store) GetUserByExternal(terminalID int64, externalID string) (*BiometricUser, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM biometric_users WHERE terminal_id = ? AND external_id = ?`,
		terminalID, externalID)
	return scanUser(row)
}

// NextEnrollID returns the smallest positive enrollid not used on the
// terminal.
func (s *Store) NextEnrollID(terminalID int64) (int, error) {
	var next int
	err := s.db.QueryRow(`SELECT MIN(c.enrollid + 1) FROM
			(SELECT 0 AS enrollid UNION SELECT enrollid FROM biometric_users WHERE terminal_id = ?) c
		WHERE c.enrollid + 1 NOT IN
			(SELECT enrollid FROM biometric_users WHERE terminal_id = ?)`,
		terminalID, terminalID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf(`storage: next enrollid: %w`, err)
	}
	return next, nil
}

func (s *Store) CreateUser(u *BiometricUser) error {
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	res, err := s.db.Exec(`INSERT INTO biometric_users
		(terminal_id, enrollid, name, admin_level, is_enabled,
		 weekzone1, weekzone2, weekzone3, weekzone4, user_group,
		 starttime, endtime, external_id, source_config_id,
		 sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.TerminalID, u.EnrollID, u.Name, u.AdminLevel, u.IsEnabled,
		u.Weekzone1, u.Weekzone2, u.Weekzone3, u.Weekzone4, u.Group,
		timePtr(u.StartTime), timePtr(u.EndTime), u.ExternalID, intPtr(u.SourceConfigID),
		u.SyncStatus, now, now)
	if err != nil {
		return fmt.Errorf(`storage: create user: %w`, err)
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) UpdateUser(u *BiometricUser) error {
	u.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`UPDATE biometric_users SET name = ?, admin_level = ?, is_enabled = ?,
		weekzone1 = ?, weekzone2 = ?, weekzone3 = ?, weekzone4 = ?, user_group = ?,
		starttime = ?, endtime = ?, external_id = ?, source_config_id = ?,
		sync_status = ?, updated_at = ? WHERE id = ?`,
		u.Name, u.AdminLevel, u.IsEnabled,
		u.Weekzone1, u.Weekzone2, u.Weekzone3, u.Weekzone4, u.Group,
		timePtr(u.StartTime), timePtr(u.EndTime), u.ExternalID, intPtr(u.SourceConfigID),
		u.SyncStatus, u.UpdatedAt, u.ID)
	if err != nil {
		return fmt.Errorf(`storage: update user: %w`, err)
	}
	return nil
}

// UpsertDeviceUser applies a senduser frame: identity is
// (terminal, enrollid), the record stays `local` because the terminal
// itself is the origin.
func (s *Store) UpsertDeviceUser(terminalID int64, enrollid int, name string, admin int) (*BiometricUser, bool, error) {
	existing, err := s.GetUserByEnroll(terminalID, enrollid)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		existing.Name = name
		existing.AdminLevel = admin
		if err = s.UpdateUser(existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	u := &BiometricUser{
		TerminalID: terminalID,
		EnrollID:   enrollid,
		Name:       name,
		AdminLevel: admin,
		IsEnabled:  true,
		SyncStatus: UserLocal,
	}
	if err = s.CreateUser(u); err != nil {
		return nil, false, err
	}
	return u, true, nil
}

// UpsertCredential stores one credential payload verbatim, keyed by
// (user, backup_type).
func (s *Store) UpsertCredential(userID int64, backupType int, payload string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO biometric_credentials (user_id, backup_type, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, backup_type) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		userID, backupType, payload, now, now)
	if err != nil {
		return fmt.Errorf(`storage: upsert credential: %w`, err)
	}
	return nil
}

func (s *Store) GetCredential(userID int64, backupType int) (*Credential, error) {
	c := &Credential{}
	err := s.db.QueryRow(`SELECT id, user_id, backup_type, payload, created_at, updated_at
		FROM biometric_credentials WHERE user_id = ? AND backup_type = ?`, userID, backupType).
		Scan(&c.ID, &c.UserID, &c.BackupType, &c.Payload, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *Store) UsersPendingSync(terminalID int64) ([]*BiometricUser, error) {
	rows, err := s.db.Query(`SELECT `+userColumns+` FROM biometric_users
		WHERE terminal_id = ? AND sync_status = ? ORDER BY enrollid ASC`,
		terminalID, UserPendingSync)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []*BiometricUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) MarkUsersSynced(ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{UserSynced, at.UTC(), at.UTC()}, idArgs(ids)...)
	_, err := s.db.Exec(`UPDATE biometric_users SET sync_status = ?, last_synced_at = ?, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

func (s *Store) MarkUsersError(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{UserError, time.Now().UTC()}, idArgs(ids)...)
	_, err := s.db.Exec(`UPDATE biometric_users SET sync_status = ?, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func intPtr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
