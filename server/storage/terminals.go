package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nkayisi/tm20-terminal/modules"
)

const terminalColumns = `id, sn, cpusn, model, firmware, mac,
	user_capacity, fp_capacity, card_capacity, log_capacity,
	used_users, used_fp, used_cards, used_logs,
	last_seen, is_active, is_whitelisted, created_at, updated_at`

func scanTerminal(row interface{ Scan(...any) error }) (*Terminal, error) {
	t := &Terminal{}
	var lastSeen sql.NullTime
	err := row.Scan(&t.ID, &t.SN, &t.CpuSN, &t.Model, &t.Firmware, &t.MAC,
		&t.UserCapacity, &t.FPCapacity, &t.CardCapacity, &t.LogCapacity,
		&t.UsedUsers, &t.UsedFP, &t.UsedCards, &t.UsedLogs,
		&lastSeen, &t.IsActive, &t.IsWhitelisted, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastSeen.Valid {
		t.LastSeen = lastSeen.Time
	}
	return t, nil
}

func (s *Store) GetTerminal(sn string) (*Terminal, error) {
	row := s.db.QueryRow(`SELECT `+terminalColumns+` FROM terminals WHERE sn = ?`, sn)
	return scanTerminal(row)
}

func (s *Store) GetTerminalByID(id int64) (*Terminal, error) {
	row := s.db.QueryRow(`SELECT `+terminalColumns+` FROM terminals WHERE id = ?`, id)
	return scanTerminal(row)
}

// UpsertTerminal applies a reg message: device-info fields are
// overwritten, last_seen stamped, is_active forced on. Applying the
// same message twice leaves one row.
func (s *Store) UpsertTerminal(reg *modules.Register) (*Terminal, bool, error) {
	now := time.Now().UTC()
	existing, err := s.GetTerminal(reg.SN)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf(`storage: upsert terminal: %w`, err)
	}
	di := reg.DevInfo
	if di == nil {
		di = &modules.DevInfo{}
	}
	if existing == nil {
		_, err = s.db.Exec(`INSERT INTO terminals
			(sn, cpusn, model, firmware, mac,
			 user_capacity, fp_capacity, card_capacity, log_capacity,
			 used_users, used_fp, used_cards, used_logs,
			 last_seen, is_active, is_whitelisted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?)`,
			reg.SN, reg.CpuSN, di.ModelName, di.Firmware, di.MAC,
			di.UserSize, di.FPSize, di.CardSize, di.LogSize,
			di.UsedUser, di.UsedFP, di.UsedCard, di.UsedLog,
			now, now, now)
		if err != nil {
			return nil, false, fmt.Errorf(`storage: insert terminal: %w`, err)
		}
		t, err := s.GetTerminal(reg.SN)
		return t, true, err
	}
	_, err = s.db.Exec(`UPDATE terminals SET cpusn = ?, model = ?, firmware = ?, mac = ?,
		user_capacity = ?, fp_capacity = ?, card_capacity = ?, log_capacity = ?,
		used_users = ?, used_fp = ?, used_cards = ?, used_logs = ?,
		last_seen = ?, is_active = 1, updated_at = ? WHERE id = ?`,
		reg.CpuSN, di.ModelName, di.Firmware, di.MAC,
		di.UserSize, di.FPSize, di.CardSize, di.LogSize,
		di.UsedUser, di.UsedFP, di.UsedCard, di.UsedLog,
		now, now, existing.ID)
	if err != nil {
		return nil, false, fmt.Errorf(`storage: update terminal: %w`, err)
	}
	t, err := s.GetTerminal(reg.SN)
	return t, false, err
}

func (s *Store) TouchTerminal(sn string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE terminals SET last_seen = ?, updated_at = ? WHERE sn = ?`, now, now, sn)
	return err
}

func (s *Store) SetTerminalActive(sn string, active bool) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE terminals SET is_active = ?, last_seen = ?, updated_at = ? WHERE sn = ?`,
		active, now, now, sn)
	return err
}

func (s *Store) SetTerminalWhitelisted(sn string, whitelisted bool) error {
	_, err := s.db.Exec(`UPDATE terminals SET is_whitelisted = ?, updated_at = ? WHERE sn = ?`,
		whitelisted, time.Now().UTC(), sn)
	return err
}
