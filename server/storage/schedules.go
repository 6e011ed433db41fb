package storage

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) CreateSchedule(sc *Schedule) error {
	res, err := s.db.Exec(`INSERT INTO terminal_schedules
		(terminal_id, weekday, check_in, check_out, break_start, break_end,
		 tolerance_minutes, effective_from, effective_until, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.TerminalID, sc.Weekday, sc.CheckIn, sc.CheckOut, sc.BreakStart, sc.BreakEnd,
		sc.ToleranceMinutes, timePtr(sc.EffectiveFrom), timePtr(sc.EffectiveUntil), sc.IsActive)
	if err != nil {
		return fmt.Errorf(`storage: create schedule: %w`, err)
	}
	sc.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) SchedulesFor(terminalID int64, weekday int) ([]*Schedule, error) {
	rows, err := s.db.Query(`SELECT id, terminal_id, weekday, check_in, check_out, break_start, break_end,
		tolerance_minutes, effective_from, effective_until, is_active
		FROM terminal_schedules WHERE terminal_id = ? AND weekday = ? AND is_active = 1`,
		terminalID, weekday)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Schedule
	for rows.Next() {
		sc := &Schedule{}
		var from, until sql.NullTime
		err = rows.Scan(&sc.ID, &sc.TerminalID, &sc.Weekday, &sc.CheckIn, &sc.CheckOut,
			&sc.BreakStart, &sc.BreakEnd, &sc.ToleranceMinutes, &from, &until, &sc.IsActive)
		if err != nil {
			return nil, err
		}
		if from.Valid {
			sc.EffectiveFrom = &from.Time
		}
		if until.Valid {
			sc.EffectiveUntil = &until.Time
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// WithinSchedule reports whether a punch at t falls inside any active
// schedule window of the terminal, with tolerance applied on both
// ends. Terminals without schedule rows for that weekday are
// unrestricted.
func (s *Store) WithinSchedule(terminalID int64, t time.Time) (bool, error) {
	local := t.Local()
	schedules, err := s.SchedulesFor(terminalID, int(local.Weekday()))
	if err != nil {
		return true, err
	}
	if len(schedules) == 0 {
		return true, nil
	}
	minutes := local.Hour()*60 + local.Minute()
	for _, sc := range schedules {
		if sc.EffectiveFrom != nil && t.Before(*sc.EffectiveFrom) {
			continue
		}
		if sc.EffectiveUntil != nil && t.After(*sc.EffectiveUntil) {
			continue
		}
		in, inOK := parseClock(sc.CheckIn)
		out, outOK := parseClock(sc.CheckOut)
		if !inOK || !outOK {
			continue
		}
		if minutes >= in-sc.ToleranceMinutes && minutes <= out+sc.ToleranceMinutes {
			return true, nil
		}
	}
	return false, nil
}

// parseClock reads "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	t, err := time.Parse(`15:04`, s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
