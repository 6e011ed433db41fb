package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/nkayisi/tm20-terminal/utils"
)

// EnqueueCommand persists a command for a terminal that is currently
// unreachable. The queue is drained in insertion order on reconnect.
func (s *Store) EnqueueCommand(terminalID int64, verb string, payload map[string]any) (int64, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := utils.JSON.MarshalToString(payload)
	if err != nil {
		return 0, fmt.Errorf(`storage: encode payload: %w`, err)
	}
	res, err := s.db.Exec(`INSERT INTO command_queue (terminal_id, command, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		terminalID, verb, body, CommandPending, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf(`storage: enqueue command: %w`, err)
	}
	return res.LastInsertId()
}

func scanCommands(rows *sql.Rows) ([]*Command, error) {
	defer rows.Close()
	var out []*Command
	for rows.Next() {
		c := &Command{}
		var sentAt, completedAt sql.NullTime
		err := rows.Scan(&c.ID, &c.TerminalID, &c.Command, &c.Payload, &c.Status,
			&c.RetryCount, &c.CreatedAt, &sentAt, &completedAt)
		if err != nil {
			return nil, err
		}
		if sentAt.Valid {
			c.SentAt = &sentAt.Time
		}
		if completedAt.Valid {
			c.CompletedAt = &completedAt.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) PendingCommands(terminalID int64) ([]*Command, error) {
	rows, err := s.db.Query(`SELECT id, terminal_id, command, payload, status, retry_count, created_at, sent_at, completed_at
		FROM command_queue WHERE terminal_id = ? AND status = ? ORDER BY created_at ASC, id ASC`,
		terminalID, CommandPending)
	if err != nil {
		return nil, err
	}
	return scanCommands(rows)
}

func (s *Store) MarkCommandSent(id int64) error {
	_, err := s.db.Exec(`UPDATE command_queue SET status = ?, sent_at = ? WHERE id = ?`,
		CommandSent, time.Now().UTC(), id)
	return err
}

// CompleteCommand resolves the newest sent row for (terminal, verb)
// when the terminal acknowledges it.
func (s *Store) CompleteCommand(terminalID int64, verb string, ok bool) error {
	status := utils.If(ok, CommandSuccess, CommandFailed)
	_, err := s.db.Exec(`UPDATE command_queue SET status = ?, completed_at = ?
		WHERE id = (SELECT id FROM command_queue
			WHERE terminal_id = ? AND command = ? AND status = ?
			ORDER BY sent_at DESC, id DESC LIMIT 1)`,
		status, time.Now().UTC(), terminalID, verb, CommandSent)
	return err
}

// TimeoutStaleCommands marks sent commands without an acknowledgement
// since cutoff as timed out.
func (s *Store) TimeoutStaleCommands(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE command_queue SET status = ?, completed_at = ?
		WHERE status = ? AND julianday(sent_at) < julianday(?)`,
		CommandTimeout, time.Now().UTC(), CommandSent, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CleanupCommands(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM command_queue
		WHERE status IN (?, ?, ?) AND julianday(created_at) < julianday(?)`,
		CommandSuccess, CommandFailed, CommandTimeout, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
