package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkayisi/tm20-terminal/server/core"
)

func newTestRegistry() *Registry {
	return NewRegistry(core.NewBus(100), core.NewMetrics(nil), nil)
}

func newTestSession(sn string) *Session {
	s := New(nil, `127.0.0.1`)
	s.SN = sn
	s.SetState(StateOnline)
	return s
}

func TestMailboxFailFast(t *testing.T) {
	s := newTestSession(`TM20-001`)
	for i := 0; i < MailboxSize; i++ {
		require.NoError(t, s.Enqueue([]byte(`{}`)))
	}
	err := s.Enqueue([]byte(`{}`))
	assert.ErrorIs(t, err, ErrMailboxFull)

	err = s.TimedEnqueue([]byte(`{}`), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrSendTimeout)
}

func TestEnqueueAfterClose(t *testing.T) {
	s := newTestSession(`TM20-001`)
	s.CloseNow()
	assert.ErrorIs(t, s.Enqueue([]byte(`{}`)), ErrSessionClosed)
	assert.Equal(t, StateClosed, s.State())
	// idempotent
	s.CloseNow()
}

func TestRegistryReplaceOnReconnect(t *testing.T) {
	r := newTestRegistry()
	s1 := newTestSession(`TM20-001`)
	s2 := newTestSession(`TM20-001`)

	replaced := r.Register(`TM20-001`, s1)
	assert.False(t, replaced)

	replaced = r.Register(`TM20-001`, s2)
	assert.True(t, replaced)
	assert.Same(t, s2, r.Get(`TM20-001`))
	assert.True(t, s1.IsClosed())
	assert.False(t, s2.IsClosed())
}

func TestRegistryUnregisterOnlyOwner(t *testing.T) {
	r := newTestRegistry()
	s1 := newTestSession(`TM20-001`)
	s2 := newTestSession(`TM20-001`)
	r.Register(`TM20-001`, s1)
	r.Register(`TM20-001`, s2)

	// the replaced session's late cleanup must not evict the new one
	r.Unregister(`TM20-001`, s1)
	assert.Same(t, s2, r.Get(`TM20-001`))

	r.Unregister(`TM20-001`, s2)
	assert.Nil(t, r.Get(`TM20-001`))
}

func TestSendToDevice(t *testing.T) {
	r := newTestRegistry()
	s := newTestSession(`TM20-001`)
	r.Register(`TM20-001`, s)

	assert.True(t, r.SendToDevice(`TM20-001`, []byte(`{"cmd":"reboot"}`), 50*time.Millisecond))
	assert.False(t, r.SendToDevice(`TM20-404`, []byte(`{}`), 50*time.Millisecond))

	for i := 0; i < MailboxSize; i++ {
		s.Enqueue([]byte(`{}`))
	}
	assert.False(t, r.SendToDevice(`TM20-001`, []byte(`{}`), 20*time.Millisecond))
}

func TestBroadcast(t *testing.T) {
	r := newTestRegistry()
	a := newTestSession(`TM20-001`)
	b := newTestSession(`TM20-002`)
	r.Register(`TM20-001`, a)
	r.Register(`TM20-002`, b)

	results := r.Broadcast([]byte(`{"cmd":"gettime"}`), nil)
	assert.Equal(t, map[string]bool{`TM20-001`: true, `TM20-002`: true}, results)

	results = r.Broadcast([]byte(`{}`), func(s *Session) bool { return s.SN == `TM20-002` })
	assert.Equal(t, map[string]bool{`TM20-002`: true}, results)
}

func TestSnapshot(t *testing.T) {
	r := newTestRegistry()
	r.Register(`TM20-002`, newTestSession(`TM20-002`))
	r.Register(`TM20-001`, newTestSession(`TM20-001`))

	devices := r.Snapshot()
	require.Len(t, devices, 2)
	assert.Equal(t, `TM20-001`, devices[0].SN)
	assert.Equal(t, `TM20-002`, devices[1].SN)
	assert.Equal(t, `online`, devices[0].State)
}

func TestPendingStoreTakeOnce(t *testing.T) {
	p := NewPendingStore()
	p.Put(`TM20-001`, `setusername`, []int64{1, 2, 3}, time.Minute)

	ids, ok := p.Take(`TM20-001`, `setusername`)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	_, ok = p.Take(`TM20-001`, `setusername`)
	assert.False(t, ok)
}

func TestPendingStoreTTLExpiry(t *testing.T) {
	p := NewPendingStore()
	p.Put(`TM20-001`, `setusername`, []int64{1}, 30*time.Millisecond)
	require.True(t, p.Has(`TM20-001`, `setusername`))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, p.Has(`TM20-001`, `setusername`))
	_, ok := p.Take(`TM20-001`, `setusername`)
	assert.False(t, ok)
}

func TestPendingStoreReplace(t *testing.T) {
	p := NewPendingStore()
	p.Put(`TM20-001`, `setusername`, []int64{1}, time.Minute)
	p.Put(`TM20-001`, `setusername`, []int64{2, 3}, time.Minute)

	ids, ok := p.Take(`TM20-001`, `setusername`)
	require.True(t, ok)
	assert.Equal(t, []int64{2, 3}, ids)
}
