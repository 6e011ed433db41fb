package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkayisi/tm20-terminal/modules"
	"github.com/nkayisi/tm20-terminal/server/common"
	"github.com/nkayisi/tm20-terminal/server/config"
	"github.com/nkayisi/tm20-terminal/server/core"
	"github.com/nkayisi/tm20-terminal/utils"
)

// Registry is the process-wide sn -> session index. One plain mutex
// guards the map: replacement on reconnect must be atomic per SN, and
// no I/O ever runs under the lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	bus     *core.Bus
	metrics *core.Metrics
	rdb     *redis.Client

	Pending *PendingStore
}

func NewRegistry(bus *core.Bus, metrics *core.Metrics, rdb *redis.Client) *Registry {
	return &Registry{
		sessions: map[string]*Session{},
		bus:      bus,
		metrics:  metrics,
		rdb:      rdb,
		Pending:  NewPendingStore(),
	}
}

// Register installs s as the owner of sn. A replaced session is
// closed after the lock is released.
func (r *Registry) Register(sn string, s *Session) bool {
	r.mu.Lock()
	prev := r.sessions[sn]
	r.sessions[sn] = s
	r.mu.Unlock()

	if prev != nil && prev != s {
		prev.Close()
	}
	r.bus.Publish(core.EventDeviceRegistered, map[string]any{
		`sn`:       sn,
		`replaced`: prev != nil,
	})
	return prev != nil
}

// Unregister removes sn only while s still owns it, so a replaced
// session's late cleanup cannot evict its successor.
func (r *Registry) Unregister(sn string, s *Session) {
	r.mu.Lock()
	current, ok := r.sessions[sn]
	if ok && (s == nil || current == s) {
		delete(r.sessions, sn)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.bus.Publish(core.EventDeviceDisconnected, map[string]any{`sn`: sn})
	}
}

func (r *Registry) Get(sn string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sn]
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SendToDevice enqueues payload on the session's mailbox under the
// timeout. False means missing session, full mailbox or timeout.
func (r *Registry) SendToDevice(sn string, payload []byte, timeout time.Duration) bool {
	s := r.Get(sn)
	if s == nil {
		r.metrics.IncrCommandFailed()
		return false
	}
	if err := s.TimedEnqueue(payload, timeout); err != nil {
		common.Warn(sn, `DEVICE_SEND`, `fail`, err.Error(), nil)
		r.metrics.IncrCommandFailed()
		return false
	}
	r.metrics.IncrCommandSent()
	r.bus.Publish(core.EventCommandSent, map[string]any{`sn`: sn})
	return true
}

// Broadcast fans payload out to every session passing filter.
// Deliveries run concurrently so one slow terminal cannot hold up the
// rest.
func (r *Registry) Broadcast(payload []byte, filter func(*Session) bool) map[string]bool {
	r.mu.Lock()
	targets := make(map[string]*Session, len(r.sessions))
	for sn, s := range r.sessions {
		targets[sn] = s
	}
	r.mu.Unlock()

	results := make(map[string]bool, len(targets))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup
	for sn, s := range targets {
		if filter != nil && !filter(s) {
			continue
		}
		wg.Add(1)
		go func(sn string, s *Session) {
			defer wg.Done()
			err := s.Enqueue(payload)
			resultsMu.Lock()
			results[sn] = err == nil
			resultsMu.Unlock()
		}(sn, s)
	}
	wg.Wait()
	return results
}

// Snapshot lists the live sessions for the dashboard and the ops API.
func (r *Registry) Snapshot() []modules.Device {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	devices := make([]modules.Device, 0, len(sessions))
	for _, s := range sessions {
		devices = append(devices, s.Info())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].SN < devices[j].SN })
	return devices
}

// StartMonitor runs the health loop: stale sessions are flagged
// offline (closure stays with the session's own heartbeat) and the
// liveness mirror is refreshed.
func (r *Registry) StartMonitor(ctx context.Context) {
	ticker := time.NewTicker(config.Config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkSessions()
			r.mirrorLiveness(ctx)
		}
	}
}

func (r *Registry) checkSessions() {
	timeout := config.Config.ConnectionTimeout
	r.mu.Lock()
	stale := make([]*Session, 0)
	for _, s := range r.sessions {
		if s.IdleFor() > timeout {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		state := s.State()
		if state == StateRegistered || state == StateOnline {
			s.SetState(StateOffline)
			r.bus.Publish(core.EventDeviceTimeout, map[string]any{
				`sn`:   s.SN,
				`idle`: s.IdleFor().Seconds(),
			})
		}
	}
}

// mirrorLiveness writes {sns, count} into the shared KV so peer
// processes can answer "is this SN connected" without in-process
// access. Write-only here; readers treat it as eventually consistent.
func (r *Registry) mirrorLiveness(ctx context.Context) {
	if r.rdb == nil {
		return
	}
	r.mu.Lock()
	sns := make([]string, 0, len(r.sessions))
	for sn := range r.sessions {
		sns = append(sns, sn)
	}
	r.mu.Unlock()
	sort.Strings(sns)

	body, err := utils.JSON.MarshalToString(sns)
	if err != nil {
		return
	}
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, core.KeyConnectedDevices, body, core.MirrorTTL)
	pipe.Set(ctx, core.KeyConnectedCount, len(sns), core.MirrorTTL)
	if _, err = pipe.Exec(ctx); err != nil {
		common.Warn(nil, `LIVENESS_MIRROR`, `fail`, err.Error(), nil)
	}
}

// Shutdown closes every session; called on process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = map[string]*Session{}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
