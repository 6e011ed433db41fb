package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics(nil)
	m.IncrConnections()
	m.IncrConnections()
	m.IncrDisconnections()
	m.RecordMessage(`TM20-001`)
	m.RecordMessage(`TM20-001`)
	m.RecordLogs(`TM20-001`, 3)
	m.IncrMessagesOut()
	m.IncrCommandSent()
	m.IncrCommandOK()
	m.ObserveHandlerLatency(5 * time.Millisecond)
	m.ObserveDBLatency(2 * time.Millisecond)

	snap := m.Snapshot()
	conns := snap[`connections`].(map[string]any)
	assert.EqualValues(t, 2, conns[`total`])
	assert.EqualValues(t, 1, conns[`active`])

	msgs := snap[`messages`].(map[string]any)
	assert.EqualValues(t, 2, msgs[`in`])
	assert.EqualValues(t, 1, msgs[`out`])

	logs := snap[`logs`].(map[string]any)
	assert.EqualValues(t, 3, logs[`received`])

	cmds := snap[`commands`].(map[string]any)
	assert.EqualValues(t, 1.0, cmds[`success_rate`])

	devices := snap[`devices`].(map[string]any)
	require.Contains(t, devices, `TM20-001`)
	dev := devices[`TM20-001`].(map[string]any)
	assert.EqualValues(t, 2, dev[`messages`])
	assert.EqualValues(t, 3, dev[`logs`])
}

func TestHistogramPercentiles(t *testing.T) {
	h := &histogram{}
	for i := 1; i <= 100; i++ {
		h.Observe(float64(i))
	}
	p := h.Percentiles()
	assert.InDelta(t, 50, p[`p50`], 1.5)
	assert.InDelta(t, 90, p[`p90`], 1.5)
	assert.InDelta(t, 95, p[`p95`], 1.5)
	assert.InDelta(t, 99, p[`p99`], 1.5)
}

func TestRateCounterWindow(t *testing.T) {
	r := &rateCounter{}
	r.Add(60)
	assert.InDelta(t, 1.0, r.Rate(), 0.01)
}
