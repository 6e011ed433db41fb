package core

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkayisi/tm20-terminal/server/common"
	"github.com/nkayisi/tm20-terminal/utils"
	"github.com/nkayisi/tm20-terminal/utils/cmap"
)

// Shared KV keys read by HTTP-only peer processes.
const (
	KeyMetrics          = `tm20:metrics`
	KeyConnectedDevices = `tm20:connected_devices`
	KeyConnectedCount   = `tm20:connected_count`

	MirrorTTL = 120 * time.Second
)

// rateCounter tracks events over a sliding 60 second window split
// into one-second buckets.
type rateCounter struct {
	mu      sync.Mutex
	buckets [60]int64
	stamps  [60]int64
}

func (r *rateCounter) Add(n int64) {
	now := utils.Unix
	idx := now % 60
	r.mu.Lock()
	if r.stamps[idx] != now {
		r.stamps[idx] = now
		r.buckets[idx] = 0
	}
	r.buckets[idx] += n
	r.mu.Unlock()
}

// Rate returns events per second averaged over the window.
func (r *rateCounter) Rate() float64 {
	now := utils.Unix
	var sum int64
	r.mu.Lock()
	for i := 0; i < 60; i++ {
		if now-r.stamps[i] < 60 {
			sum += r.buckets[i]
		}
	}
	r.mu.Unlock()
	return float64(sum) / 60.0
}

const histogramCap = 10000

// histogram keeps the latest samples and answers percentile queries.
type histogram struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func (h *histogram) Observe(v float64) {
	h.mu.Lock()
	if len(h.samples) < histogramCap && !h.full {
		h.samples = append(h.samples, v)
		if len(h.samples) == histogramCap {
			h.full = true
		}
	} else {
		h.samples[h.next] = v
		h.next = (h.next + 1) % histogramCap
	}
	h.mu.Unlock()
}

// Percentiles returns p50/p90/p95/p99 of the retained samples.
func (h *histogram) Percentiles() map[string]float64 {
	h.mu.Lock()
	data := make([]float64, len(h.samples))
	copy(data, h.samples)
	h.mu.Unlock()
	out := map[string]float64{`p50`: 0, `p90`: 0, `p95`: 0, `p99`: 0}
	if len(data) == 0 {
		return out
	}
	sort.Float64s(data)
	pick := func(p float64) float64 {
		idx := int(p / 100 * float64(len(data)-1))
		return data[idx]
	}
	out[`p50`] = pick(50)
	out[`p90`] = pick(90)
	out[`p95`] = pick(95)
	out[`p99`] = pick(99)
	return out
}

type snCounters struct {
	messages atomic.Uint64
	logs     atomic.Uint64
}

// Metrics aggregates the hub counters and mirrors a snapshot into the
// shared KV so HTTP-only peers can read them.
type Metrics struct {
	connections    atomic.Uint64
	disconnections atomic.Uint64
	errors         atomic.Uint64
	messagesIn     atomic.Uint64
	messagesOut    atomic.Uint64
	logsReceived   atomic.Uint64
	commandsSent   atomic.Uint64
	commandsOK     atomic.Uint64
	commandsFailed atomic.Uint64
	logsSynced     atomic.Uint64
	syncErrors     atomic.Uint64

	active atomic.Int64

	messageRate rateCounter
	logRate     rateCounter

	handlerLatency histogram
	dbLatency      histogram
	syncLatency    histogram

	perSN cmap.ConcurrentMap[*snCounters]

	rdb        *redis.Client
	lastExport atomic.Int64
}

func NewMetrics(rdb *redis.Client) *Metrics {
	return &Metrics{
		perSN: cmap.New[*snCounters](),
		rdb:   rdb,
	}
}

func (m *Metrics) IncrConnections()    { m.connections.Add(1); m.active.Add(1) }
func (m *Metrics) IncrDisconnections() { m.disconnections.Add(1); m.active.Add(-1) }
func (m *Metrics) IncrErrors()         { m.errors.Add(1) }
func (m *Metrics) IncrMessagesOut()    { m.messagesOut.Add(1) }
func (m *Metrics) IncrCommandSent()    { m.commandsSent.Add(1) }
func (m *Metrics) IncrCommandOK()      { m.commandsOK.Add(1) }
func (m *Metrics) IncrCommandFailed()  { m.commandsFailed.Add(1) }
func (m *Metrics) IncrSyncErrors()     { m.syncErrors.Add(1) }

func (m *Metrics) IncrLogsSynced(n uint64) { m.logsSynced.Add(n) }

func (m *Metrics) Active() int64 { return m.active.Load() }

func (m *Metrics) RecordMessage(sn string) {
	m.messagesIn.Add(1)
	m.messageRate.Add(1)
	if len(sn) > 0 {
		m.forSN(sn).messages.Add(1)
	}
}

func (m *Metrics) RecordLogs(sn string, n int) {
	m.logsReceived.Add(uint64(n))
	m.logRate.Add(int64(n))
	if len(sn) > 0 {
		m.forSN(sn).logs.Add(uint64(n))
	}
}

func (m *Metrics) ObserveHandlerLatency(d time.Duration) {
	m.handlerLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveDBLatency(d time.Duration) {
	m.dbLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveSyncLatency(d time.Duration) {
	m.syncLatency.Observe(d.Seconds())
}

func (m *Metrics) forSN(sn string) *snCounters {
	if c, ok := m.perSN.Get(sn); ok {
		return c
	}
	c := &snCounters{}
	m.perSN.Set(sn, c)
	return c
}

// Snapshot renders every metric as one export document.
func (m *Metrics) Snapshot() map[string]any {
	devices := map[string]any{}
	m.perSN.IterCb(func(sn string, c *snCounters) {
		devices[sn] = map[string]any{
			`messages`: c.messages.Load(),
			`logs`:     c.logs.Load(),
		}
	})
	sent := m.commandsSent.Load()
	var successRate float64
	if sent > 0 {
		successRate = float64(m.commandsOK.Load()) / float64(sent)
	}
	return map[string]any{
		`connections`: map[string]any{
			`total`:          m.connections.Load(),
			`active`:         m.active.Load(),
			`disconnections`: m.disconnections.Load(),
			`errors`:         m.errors.Load(),
		},
		`messages`: map[string]any{
			`in`:   m.messagesIn.Load(),
			`out`:  m.messagesOut.Load(),
			`rate`: m.messageRate.Rate(),
		},
		`logs`: map[string]any{
			`received`:    m.logsReceived.Load(),
			`rate`:        m.logRate.Rate(),
			`synced`:      m.logsSynced.Load(),
			`sync_errors`: m.syncErrors.Load(),
		},
		`latency`: map[string]any{
			`handler`: m.handlerLatency.Percentiles(),
			`db`:      m.dbLatency.Percentiles(),
			`sync`:    m.syncLatency.Percentiles(),
		},
		`commands`: map[string]any{
			`sent`:         sent,
			`success`:      m.commandsOK.Load(),
			`failed`:       m.commandsFailed.Load(),
			`success_rate`: successRate,
		},
		`devices`: devices,
	}
}

// Export mirrors the snapshot into the shared KV, at most once per
// second. Redis being down is a warning, never a failure.
func (m *Metrics) Export(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	now := utils.Unix
	last := m.lastExport.Load()
	if now == last || !m.lastExport.CompareAndSwap(last, now) {
		return
	}
	body, err := utils.JSON.MarshalToString(m.Snapshot())
	if err != nil {
		return
	}
	if err = m.rdb.Set(ctx, KeyMetrics, body, MirrorTTL).Err(); err != nil {
		common.Warn(nil, `METRICS_EXPORT`, `fail`, err.Error(), nil)
	}
}
