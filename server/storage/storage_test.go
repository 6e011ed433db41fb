package storage

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkayisi/tm20-terminal/modules"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(`:memory:`)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func regMsg(sn string) *modules.Register {
	return &modules.Register{
		SN:    sn,
		CpuSN: `C1`,
		DevInfo: &modules.DevInfo{
			ModelName: `TM20`,
			UserSize:  3000,
			FPSize:    3000,
			LogSize:   100000,
			Firmware:  `v2.4`,
			MAC:       `AA:BB:CC:DD:EE:FF`,
		},
	}
}

func seedTerminal(t *testing.T, s *Store, sn string) *Terminal {
	t.Helper()
	term, _, err := s.UpsertTerminal(regMsg(sn))
	require.NoError(t, err)
	return term
}

func seedConfig(t *testing.T, s *Store, terminalID int64) *ThirdPartyConfig {
	t.Helper()
	cfg := &ThirdPartyConfig{Name: `backoffice`, BaseURL: `http://example.test`, AttendanceEndpoint: `/att`, IsActive: true}
	require.NoError(t, s.CreateConfig(cfg))
	require.NoError(t, s.CreateMapping(&Mapping{
		TerminalID: terminalID, ConfigID: cfg.ID,
		IsActive: true, SyncUsers: true, SyncAttendance: true,
	}))
	return cfg
}

func seedLog(t *testing.T, s *Store, terminalID int64, enrollid int, at time.Time) *AttendanceLog {
	t.Helper()
	l := &AttendanceLog{TerminalID: terminalID, EnrollID: enrollid, Time: at, AccessGranted: true, WithinSchedule: true}
	require.NoError(t, s.InsertLogs(context.Background(), []*AttendanceLog{l}))
	return l
}

func TestUpsertTerminalIdempotent(t *testing.T) {
	s := newStore(t)
	first, created, err := s.UpsertTerminal(regMsg(`TM20-001`))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, `TM20`, first.Model)
	assert.True(t, first.IsActive)

	second, created, err := s.UpsertTerminal(regMsg(`TM20-001`))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.LastSeen.Before(first.LastSeen))
}

func TestNextEnrollID(t *testing.T) {
	s := newStore(t)
	term := seedTerminal(t, s, `TM20-001`)

	next, err := s.NextEnrollID(term.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	for _, id := range []int{1, 2, 4} {
		require.NoError(t, s.CreateUser(&BiometricUser{
			TerminalID: term.ID, EnrollID: id, Name: `u`, IsEnabled: true, SyncStatus: UserLocal,
		}))
	}
	next, err = s.NextEnrollID(term.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, next)

	require.NoError(t, s.CreateUser(&BiometricUser{
		TerminalID: term.ID, EnrollID: 3, Name: `u`, IsEnabled: true, SyncStatus: UserLocal,
	}))
	next, err = s.NextEnrollID(term.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, next)
}

func TestEnrollIDUniquePerTerminal(t *testing.T) {
	s := newStore(t)
	term := seedTerminal(t, s, `TM20-001`)
	require.NoError(t, s.CreateUser(&BiometricUser{TerminalID: term.ID, EnrollID: 7, SyncStatus: UserLocal}))
	err := s.CreateUser(&BiometricUser{TerminalID: term.ID, EnrollID: 7, SyncStatus: UserLocal})
	assert.Error(t, err)
}

func TestNextInOutFlip(t *testing.T) {
	window := 18 * time.Hour
	base := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)

	// empty history starts at check-in
	assert.Equal(t, 0, NextInOut(time.Time{}, 0, base, window))
	// then alternates 0,1,0,1 within the window
	assert.Equal(t, 1, NextInOut(base, 0, base.Add(4*time.Hour), window))
	assert.Equal(t, 0, NextInOut(base.Add(4*time.Hour), 1, base.Add(8*time.Hour), window))
	assert.Equal(t, 1, NextInOut(base.Add(8*time.Hour), 0, base.Add(9*time.Hour), window))
	// a stale previous punch resets to check-in
	assert.Equal(t, 0, NextInOut(base, 0, base.Add(19*time.Hour), window))
}

func TestInsertLogsAtomic(t *testing.T) {
	s := newStore(t)
	term := seedTerminal(t, s, `TM20-001`)
	at := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)

	batch := []*AttendanceLog{
		{TerminalID: term.ID, EnrollID: 1, Time: at},
		{TerminalID: 9999, EnrollID: 2, Time: at}, // violates the terminal FK
	}
	err := s.InsertLogs(context.Background(), batch)
	require.Error(t, err)

	stats, err := s.SyncStats()
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats[`total`])
}

func TestLastPunch(t *testing.T) {
	s := newStore(t)
	term := seedTerminal(t, s, `TM20-001`)
	at := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
	seedLog(t, s, term.ID, 7, at)

	punchAt, inout, err := s.LastPunch(term.ID, 7, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, inout)
	assert.True(t, punchAt.Equal(at))

	_, _, err = s.LastPunch(term.ID, 8, at.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingAndRetrySelection(t *testing.T) {
	s := newStore(t)
	term := seedTerminal(t, s, `TM20-001`)
	cfg := seedConfig(t, s, term.ID)
	at := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
	l := seedLog(t, s, term.ID, 7, at)

	pending, err := s.PendingLogs(cfg.ID, nil, 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, `TM20-001`, pending[0].TerminalSN)

	// one failure moves the row out of the first-attempt pass
	now := time.Now().UTC()
	require.NoError(t, s.MarkLogsFailed([]int64{l.ID}, `connection refused`, now))
	pending, err = s.PendingLogs(cfg.ID, nil, 100)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// not yet eligible: backoff(1) is one minute
	eligible, err := s.RetryEligibleLogs(cfg.ID, now.Add(30*time.Second), 100)
	require.NoError(t, err)
	assert.Empty(t, eligible)

	eligible, err = s.RetryEligibleLogs(cfg.ID, now.Add(2*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, 1, eligible[0].SyncAttempts)
	assert.Equal(t, `connection refused`, eligible[0].SyncError)
}

func TestDeadLetterAndReset(t *testing.T) {
	s := newStore(t)
	term := seedTerminal(t, s, `TM20-001`)
	cfg := seedConfig(t, s, term.ID)
	l := seedLog(t, s, term.ID, 7, time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC))

	now := time.Now().UTC()
	for i := 0; i < MaxSyncAttempts; i++ {
		require.NoError(t, s.MarkLogsFailed([]int64{l.ID}, `boom`, now))
	}
	got, err := s.GetLog(l.ID)
	require.NoError(t, err)
	assert.Equal(t, SyncFailed, got.SyncStatus)
	assert.Equal(t, MaxSyncAttempts, got.SyncAttempts)

	// dead-letter rows are out of every automatic pass
	eligible, err := s.RetryEligibleLogs(cfg.ID, now.Add(24*time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, eligible)

	dead, err := s.DeadLetterLogs(10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, l.ID, dead[0].ID)

	n, err := s.ResetFailedLogs([]int64{l.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got, err = s.GetLog(l.ID)
	require.NoError(t, err)
	assert.Equal(t, SyncPending, got.SyncStatus)
	assert.Equal(t, 0, got.SyncAttempts)
	assert.Empty(t, got.SyncError)
}

func TestMarkLogsSent(t *testing.T) {
	s := newStore(t)
	term := seedTerminal(t, s, `TM20-001`)
	seedConfig(t, s, term.ID)
	l := seedLog(t, s, term.ID, 7, time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC))

	now := time.Now().UTC()
	require.NoError(t, s.MarkLogsSent([]int64{l.ID}, now))
	got, err := s.GetLog(l.ID)
	require.NoError(t, err)
	assert.Equal(t, SyncSent, got.SyncStatus)
	require.NotNil(t, got.SyncedAt)
	assert.Empty(t, got.SyncError)
}

func TestCommandQueueLifecycle(t *testing.T) {
	s := newStore(t)
	term := seedTerminal(t, s, `TM20-001`)

	first, err := s.EnqueueCommand(term.ID, `opendoor`, map[string]any{`door`: 1, `delay`: 5})
	require.NoError(t, err)
	second, err := s.EnqueueCommand(term.ID, `reboot`, nil)
	require.NoError(t, err)

	pending, err := s.PendingCommands(term.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first, pending[0].ID)
	assert.Equal(t, second, pending[1].ID)

	require.NoError(t, s.MarkCommandSent(first))
	pending, err = s.PendingCommands(term.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, `reboot`, pending[0].Command)

	require.NoError(t, s.CompleteCommand(term.ID, `opendoor`, true))
	rows, err := s.db.Query(`SELECT status FROM command_queue WHERE id = ?`, first)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var status string
	require.NoError(t, rows.Scan(&status))
	assert.Equal(t, CommandSuccess, status)
}

func TestUpsertDeviceUserAndCredential(t *testing.T) {
	s := newStore(t)
	term := seedTerminal(t, s, `TM20-001`)

	u, created, err := s.UpsertDeviceUser(term.ID, 7, `Ada`, 0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, UserLocal, u.SyncStatus)

	u2, created, err := s.UpsertDeviceUser(term.ID, 7, `Ada L.`, 1)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.ID, u2.ID)
	assert.Equal(t, `Ada L.`, u2.Name)

	require.NoError(t, s.UpsertCredential(u.ID, 0, `FPDATA`))
	require.NoError(t, s.UpsertCredential(u.ID, 0, `FPDATA2`))
	c, err := s.GetCredential(u.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, `FPDATA2`, c.Payload)
}

func TestUsersPendingSyncAndMarks(t *testing.T) {
	s := newStore(t)
	term := seedTerminal(t, s, `TM20-001`)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.CreateUser(&BiometricUser{
			TerminalID: term.ID, EnrollID: i, Name: `u`, IsEnabled: true, SyncStatus: UserPendingSync,
		}))
	}
	users, err := s.UsersPendingSync(term.ID)
	require.NoError(t, err)
	require.Len(t, users, 3)

	ids := []int64{users[0].ID, users[1].ID}
	require.NoError(t, s.MarkUsersSynced(ids, time.Now()))
	users, err = s.UsersPendingSync(term.ID)
	require.NoError(t, err)
	assert.Len(t, users, 1)

	require.NoError(t, s.MarkUsersError([]int64{users[0].ID}))
	users, err = s.UsersPendingSync(term.ID)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestWithinSchedule(t *testing.T) {
	s := newStore(t)
	term := seedTerminal(t, s, `TM20-001`)

	at := time.Date(2024, 1, 2, 8, 0, 0, 0, time.Local) // a Tuesday
	ok, err := s.WithinSchedule(term.ID, at)
	require.NoError(t, err)
	assert.True(t, ok, `no schedule means unrestricted`)

	require.NoError(t, s.CreateSchedule(&Schedule{
		TerminalID: term.ID, Weekday: int(at.Weekday()),
		CheckIn: `08:00`, CheckOut: `17:00`, ToleranceMinutes: 15, IsActive: true,
	}))
	ok, err = s.WithinSchedule(term.ID, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.WithinSchedule(term.ID, at.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkLogsFailedTruncatesOnRuneBoundary(t *testing.T) {
	s := newStore(t)
	term := seedTerminal(t, s, `TM20-001`)
	l := seedLog(t, s, term.ID, 1, time.Now().UTC())

	require.NoError(t, s.MarkLogsFailed([]int64{l.ID}, strings.Repeat(`é`, 300), time.Now().UTC()))

	got, err := s.GetLog(l.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got.SyncError), 500)
	assert.True(t, utf8.ValidString(got.SyncError))
}
