package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const configColumns = `id, name, base_url, users_endpoint, attendance_endpoint,
	auth_type, auth_token, auth_header_name, extra_headers,
	timeout_seconds, retry_attempts, sync_interval_minutes, is_active`

func scanConfig(row interface{ Scan(...any) error }) (*ThirdPartyConfig, error) {
	c := &ThirdPartyConfig{}
	err := row.Scan(&c.ID, &c.Name, &c.BaseURL, &c.UsersEndpoint, &c.AttendanceEndpoint,
		&c.AuthType, &c.AuthToken, &c.AuthHeaderName, &c.ExtraHeaders,
		&c.TimeoutSeconds, &c.RetryAttempts, &c.SyncIntervalMinutes, &c.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) CreateConfig(c *ThirdPartyConfig) error {
	if len(c.AuthType) == 0 {
		c.AuthType = AuthNone
	}
	if len(c.ExtraHeaders) == 0 {
		c.ExtraHeaders = `{}`
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
	res, err := s.db.Exec(`INSERT INTO thirdparty_configs
		(name, base_url, users_endpoint, attendance_endpoint,
		 auth_type, auth_token, auth_header_name, extra_headers,
		 timeout_seconds, retry_attempts, sync_interval_minutes, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.BaseURL, c.UsersEndpoint, c.AttendanceEndpoint,
		c.AuthType, c.AuthToken, c.AuthHeaderName, c.ExtraHeaders,
		c.TimeoutSeconds, c.RetryAttempts, c.SyncIntervalMinutes, c.IsActive)
	if err != nil {
		return fmt.Errorf(`storage: create config: %w`, err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) GetConfig(id int64) (*ThirdPartyConfig, error) {
	return scanConfig(s.db.QueryRow(`SELECT `+configColumns+` FROM thirdparty_configs WHERE id = ?`, id))
}

func (s *Store) ActiveConfigs() ([]*ThirdPartyConfig, error) {
	rows, err := s.db.Query(`SELECT ` + configColumns + ` FROM thirdparty_configs WHERE is_active = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ThirdPartyConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanMapping(row interface{ Scan(...any) error }) (*Mapping, error) {
	m := &Mapping{}
	var userSync, attSync sql.NullTime
	err := row.Scan(&m.ID, &m.TerminalID, &m.ConfigID, &m.IsActive,
		&m.SyncUsers, &m.SyncAttendance, &userSync, &attSync)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if userSync.Valid {
		m.LastUserSync = &userSync.Time
	}
	if attSync.Valid {
		m.LastAttendanceSync = &attSync.Time
	}
	return m, nil
}

const mappingColumns = `id, terminal_id, config_id, is_active, sync_users, sync_attendance,
	last_user_sync, last_attendance_sync`

func (s *Store) CreateMapping(m *Mapping) error {
	res, err := s.db.Exec(`INSERT INTO terminal_thirdparty_mappings
		(terminal_id, config_id, is_active, sync_users, sync_attendance)
		VALUES (?, ?, ?, ?, ?)`,
		m.TerminalID, m.ConfigID, m.IsActive, m.SyncUsers, m.SyncAttendance)
	if err != nil {
		return fmt.Errorf(`storage: create mapping: %w`, err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) GetMapping(terminalID, configID int64) (*Mapping, error) {
	return scanMapping(s.db.QueryRow(`SELECT `+mappingColumns+` FROM terminal_thirdparty_mappings
		WHERE terminal_id = ? AND config_id = ?`, terminalID, configID))
}

func (s *Store) MappingsForConfig(configID int64) ([]*Mapping, error) {
	rows, err := s.db.Query(`SELECT `+mappingColumns+` FROM terminal_thirdparty_mappings
		WHERE config_id = ? AND is_active = 1`, configID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TouchAttendanceSync stamps last_attendance_sync for every mapping
// of the config whose terminal appears in terminalIDs.
func (s *Store) TouchAttendanceSync(configID int64, terminalIDs []int64, at time.Time) error {
	if len(terminalIDs) == 0 {
		return nil
	}
	args := append([]any{at.UTC(), configID}, idArgs(terminalIDs)...)
	_, err := s.db.Exec(`UPDATE terminal_thirdparty_mappings SET last_attendance_sync = ?
		WHERE config_id = ? AND terminal_id IN (`+placeholders(len(terminalIDs))+`)`, args...)
	return err
}

func (s *Store) TouchUserSync(terminalID, configID int64, at time.Time) error {
	_, err := s.db.Exec(`UPDATE terminal_thirdparty_mappings SET last_user_sync = ?
		WHERE config_id = ? AND terminal_id = ?`, at.UTC(), configID, terminalID)
	return err
}
