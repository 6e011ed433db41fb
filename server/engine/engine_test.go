package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkayisi/tm20-terminal/modules"
	"github.com/nkayisi/tm20-terminal/server/core"
	"github.com/nkayisi/tm20-terminal/server/session"
	"github.com/nkayisi/tm20-terminal/server/storage"
	"github.com/nkayisi/tm20-terminal/utils"
)

type fixture struct {
	store    *storage.Store
	bus      *core.Bus
	metrics  *core.Metrics
	registry *session.Registry
	terminal *storage.Terminal
	cfg      *storage.ThirdPartyConfig
}

func newFixture(t *testing.T, baseURL string) *fixture {
	t.Helper()
	store, err := storage.Open(`:memory:`)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	terminal, _, err := store.UpsertTerminal(&modules.Register{
		SN:      `TM20-TEST-001`,
		DevInfo: &modules.DevInfo{ModelName: `TM20`},
	})
	require.NoError(t, err)

	cfg := testConfig(baseURL)
	cfg.IsActive = true
	require.NoError(t, store.CreateConfig(cfg))
	require.NoError(t, store.CreateMapping(&storage.Mapping{
		TerminalID:     terminal.ID,
		ConfigID:       cfg.ID,
		IsActive:       true,
		SyncUsers:      true,
		SyncAttendance: true,
	}))

	bus := core.NewBus(100)
	metrics := core.NewMetrics(nil)
	return &fixture{
		store:    store,
		bus:      bus,
		metrics:  metrics,
		registry: session.NewRegistry(bus, metrics, nil),
		terminal: terminal,
		cfg:      cfg,
	}
}

func seedLogs(t *testing.T, f *fixture, n int) []*storage.AttendanceLog {
	t.Helper()
	logs := make([]*storage.AttendanceLog, 0, n)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < n; i++ {
		logs = append(logs, &storage.AttendanceLog{
			TerminalID:    f.terminal.ID,
			EnrollID:      1 + i%10,
			Time:          base.Add(time.Duration(i) * time.Second),
			Mode:          0,
			InOut:         i % 2,
			AccessGranted: true,
			RawPayload:    `{"origin":"sendlog"}`,
		})
	}
	require.NoError(t, f.store.InsertLogs(context.Background(), logs))
	return logs
}

func TestSyncConfigBatches(t *testing.T) {
	var posts atomic.Int64
	var counts []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		var body struct {
			Attendance []map[string]any `json:"attendance"`
			Count      int              `json:"count"`
			Source     string           `json:"source"`
		}
		require.NoError(t, utils.JSON.NewDecoder(r.Body).Decode(&body))
		counts = append(counts, body.Count)
		assert.Equal(t, `tm20_biometric`, body.Source)
		assert.Len(t, body.Attendance, body.Count)
		// every record carries the dedup key and the raw device frame
		first := body.Attendance[0]
		assert.Greater(t, first[`log_id`], float64(0))
		meta, ok := first[`metadata`].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, `sendlog`, meta[`origin`])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	seedLogs(t, f, 250)

	e := NewAttendanceEngine(f.store, f.bus, f.metrics)
	require.NoError(t, e.SyncConfig(context.Background(), f.cfg, nil))

	assert.Equal(t, int64(3), posts.Load())
	assert.Equal(t, []int{100, 100, 50}, counts)

	stats, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(250), stats[storage.SyncSent])
	assert.Equal(t, int64(0), stats[storage.SyncPending])
}

func TestSyncConfigFailureMarksAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	logs := seedLogs(t, f, 3)

	e := NewAttendanceEngine(f.store, f.bus, f.metrics)
	err := e.SyncConfig(context.Background(), f.cfg, nil)
	require.Error(t, err)

	l, err := f.store.GetLog(logs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, l.SyncAttempts)
	assert.Equal(t, storage.SyncPending, l.SyncStatus)
	assert.Contains(t, l.SyncError, `server_error`)

	// retried rows leave the first-attempt set, so the next pass is a no-op
	pending, err := f.store.PendingLogs(f.cfg.ID, nil, 100)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSyncDeadLetterAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	logs := seedLogs(t, f, 1)

	now := time.Now().UTC()
	for i := 0; i < storage.MaxSyncAttempts; i++ {
		require.NoError(t, f.store.MarkLogsFailed([]int64{logs[0].ID}, `boom`, now))
	}

	e := NewAttendanceEngine(f.store, f.bus, f.metrics)
	dead, err := e.DeadLetter(10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, storage.MaxSyncAttempts, dead[0].SyncAttempts)

	n, err := e.ResetFailed(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	l, err := f.store.GetLog(logs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.SyncPending, l.SyncStatus)
	assert.Equal(t, 0, l.SyncAttempts)
}

func TestSyncRateLimitedDelaysRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(`Retry-After`, `3600`)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	logs := seedLogs(t, f, 2)

	e := NewAttendanceEngine(f.store, f.bus, f.metrics)
	err := e.SyncConfig(context.Background(), f.cfg, nil)
	require.Error(t, err)

	// the rows carry one attempt but sit outside the retry window
	eligible, err := f.store.RetryEligibleLogs(f.cfg.ID, time.Now().UTC().Add(30*time.Minute), 100)
	require.NoError(t, err)
	assert.Empty(t, eligible)

	eligible, err = f.store.RetryEligibleLogs(f.cfg.ID, time.Now().UTC().Add(2*time.Hour), 100)
	require.NoError(t, err)
	assert.Len(t, eligible, len(logs))
}

// one sluggish back-office must not hold up the other configs' drains
func TestSyncAllDrainsConfigsConcurrently(t *testing.T) {
	type window struct{ start, end time.Time }
	var mu sync.Mutex
	windows := map[string]window{}
	slowServer := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			time.Sleep(150 * time.Millisecond)
			mu.Lock()
			windows[name] = window{start, time.Now()}
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
	}
	srvA := slowServer(`a`)
	defer srvA.Close()
	srvB := slowServer(`b`)
	defer srvB.Close()

	f := newFixture(t, srvA.URL)
	seedLogs(t, f, 5)

	terminalB, _, err := f.store.UpsertTerminal(&modules.Register{
		SN:      `TM20-TEST-002`,
		DevInfo: &modules.DevInfo{ModelName: `TM20`},
	})
	require.NoError(t, err)
	cfgB := testConfig(srvB.URL)
	cfgB.Name = `test-b`
	cfgB.IsActive = true
	require.NoError(t, f.store.CreateConfig(cfgB))
	require.NoError(t, f.store.CreateMapping(&storage.Mapping{
		TerminalID:     terminalB.ID,
		ConfigID:       cfgB.ID,
		IsActive:       true,
		SyncAttendance: true,
	}))
	require.NoError(t, f.store.InsertLogs(context.Background(), []*storage.AttendanceLog{{
		TerminalID:    terminalB.ID,
		EnrollID:      1,
		Time:          time.Now().UTC().Add(-time.Minute),
		AccessGranted: true,
		RawPayload:    `{}`,
	}}))

	e := NewAttendanceEngine(f.store, f.bus, f.metrics)
	e.SyncAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, windows, 2)
	a, b := windows[`a`], windows[`b`]
	assert.True(t, a.start.Before(b.end) && b.start.Before(a.end), `config drains ran serially`)
}

func TestBackoffSteps(t *testing.T) {
	assert.Equal(t, time.Minute, Backoff(1))
	assert.Equal(t, 5*time.Minute, Backoff(2))
	assert.Equal(t, 15*time.Minute, Backoff(3))
	assert.Equal(t, time.Hour, Backoff(4))
	assert.Equal(t, 4*time.Hour, Backoff(5))
	assert.Equal(t, 4*time.Hour, Backoff(9))
	assert.Equal(t, time.Minute, Backoff(0))
}

func TestPullUsersCreatesAndUpdates(t *testing.T) {
	body := `{"users":[
		{"id":"E-100","name":"Alice"},
		{"employee_id":"E-200","fullname":"Bob","valid_until":"2027-01-01"},
		{"name":"NoID"}
	]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	e := NewUserEngine(f.store, f.registry, f.bus)

	result, err := e.PullUsers(context.Background(), f.cfg, f.terminal)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 1, result.Skipped)

	alice, err := f.store.GetUserByExternal(f.terminal.ID, `E-100`)
	require.NoError(t, err)
	assert.Equal(t, `Alice`, alice.Name)
	assert.Equal(t, 1, alice.EnrollID)
	assert.Equal(t, storage.UserPendingSync, alice.SyncStatus)

	bob, err := f.store.GetUserByExternal(f.terminal.ID, `E-200`)
	require.NoError(t, err)
	assert.Equal(t, 2, bob.EnrollID)
	require.NotNil(t, bob.EndTime)
	assert.Equal(t, 2027, bob.EndTime.Year())

	// second pull with a rename updates in place, no duplicate rows
	body = `{"users":[{"id":"E-100","name":"Alice Smith"}]}`
	result, err = e.PullUsers(context.Background(), f.cfg, f.terminal)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 1, result.Updated)

	alice, err = f.store.GetUserByExternal(f.terminal.ID, `E-100`)
	require.NoError(t, err)
	assert.Equal(t, `Alice Smith`, alice.Name)
	assert.Equal(t, 1, alice.EnrollID)
}

func TestPullUsersNumericIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":42,"name":"Numeric"}]`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	e := NewUserEngine(f.store, f.registry, f.bus)
	result, err := e.PullUsers(context.Background(), f.cfg, f.terminal)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)

	u, err := f.store.GetUserByExternal(f.terminal.ID, `42`)
	require.NoError(t, err)
	assert.Equal(t, `Numeric`, u.Name)
}

func TestPullUsersFieldPrecedence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":9,"external_id":"EXT-9","name":"ghopper","fullname":"Grace Hopper","start_date":"2026-01-01","end_date":"2026-12-31"}]`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	e := NewUserEngine(f.store, f.registry, f.bus)

	result, err := e.PullUsers(context.Background(), f.cfg, f.terminal)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)

	// id outranks external_id, fullname outranks name
	u, err := f.store.GetUserByExternal(f.terminal.ID, `9`)
	require.NoError(t, err)
	assert.Equal(t, `Grace Hopper`, u.Name)
	_, err = f.store.GetUserByExternal(f.terminal.ID, `EXT-9`)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NotNil(t, u.StartTime)
	assert.Equal(t, `2026-01-01`, u.StartTime.Format(`2006-01-02`))
	require.NotNil(t, u.EndTime)
	assert.Equal(t, `2026-12-31`, u.EndTime.Format(`2006-01-02`))

	// reruns key on the same id, never a duplicate row
	result, err = e.PullUsers(context.Background(), f.cfg, f.terminal)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 1, result.Updated)
}

func TestPushUsers(t *testing.T) {
	f := newFixture(t, `http://unused`)

	u := &storage.BiometricUser{
		TerminalID: f.terminal.ID,
		EnrollID:   7,
		Name:       `Carol`,
		IsEnabled:  true,
		ExternalID: `E-700`,
		SyncStatus: storage.UserPendingSync,
	}
	require.NoError(t, f.store.CreateUser(u))

	s := session.New(nil, `127.0.0.1`)
	s.SN = f.terminal.SN
	s.SetState(session.StateOnline)
	f.registry.Register(f.terminal.SN, s)

	e := NewUserEngine(f.store, f.registry, f.bus)
	n, err := e.PushUsers(f.terminal)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// ack context parked under (sn, setusername)
	ids, ok := f.registry.Pending.Take(f.terminal.SN, `setusername`)
	require.True(t, ok)
	assert.Equal(t, []int64{u.ID}, ids)

	// user stays pending until the terminal acknowledges
	got, err := f.store.GetUserByEnroll(f.terminal.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, storage.UserPendingSync, got.SyncStatus)
}

func TestPushUsersUnreachableTerminal(t *testing.T) {
	f := newFixture(t, `http://unused`)
	u := &storage.BiometricUser{
		TerminalID: f.terminal.ID,
		EnrollID:   8,
		Name:       `Dave`,
		IsEnabled:  true,
		SyncStatus: storage.UserPendingSync,
	}
	require.NoError(t, f.store.CreateUser(u))

	e := NewUserEngine(f.store, f.registry, f.bus)
	_, err := e.PushUsers(f.terminal)
	require.Error(t, err)

	// no dangling ack context after a failed send
	assert.False(t, f.registry.Pending.Has(f.terminal.SN, `setusername`))
}
