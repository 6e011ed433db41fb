package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nkayisi/tm20-terminal/server/common"
	"github.com/nkayisi/tm20-terminal/server/core"
	"github.com/nkayisi/tm20-terminal/server/protocol"
	"github.com/nkayisi/tm20-terminal/server/storage"
)

// SyncBatchSize is the number of attendance rows per outbound POST.
const SyncBatchSize = 100

var backoffSteps = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
}

// Backoff returns the wait after the k-th failed attempt (1-based).
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return backoffSteps[0]
	}
	if attempts > len(backoffSteps) {
		return backoffSteps[len(backoffSteps)-1]
	}
	return backoffSteps[attempts-1]
}

// AttendanceEngine drains pending attendance rows towards the mapped
// third-party systems, at least once each. Rows survive process
// restarts; delivery state lives in the rows themselves.
type AttendanceEngine struct {
	store   *storage.Store
	bus     *core.Bus
	metrics *core.Metrics

	// newAdapter is swappable for tests
	newAdapter func(cfg *storage.ThirdPartyConfig) *Adapter
}

func NewAttendanceEngine(store *storage.Store, bus *core.Bus, metrics *core.Metrics) *AttendanceEngine {
	return &AttendanceEngine{
		store:      store,
		bus:        bus,
		metrics:    metrics,
		newAdapter: NewAdapter,
	}
}

// Run drives the periodic cycle: first-attempt batches plus any
// retries whose backoff has elapsed.
func (e *AttendanceEngine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SyncAll(ctx)
			e.RetryFailed(ctx)
		}
	}
}

// SyncAll runs one first-attempt pass over every active config. Each
// config drains on its own goroutine; a slow back-office never holds
// up delivery to the others.
func (e *AttendanceEngine) SyncAll(ctx context.Context) {
	configs, err := e.store.ActiveConfigs()
	if err != nil {
		common.Error(nil, `ATTENDANCE_SYNC`, `fail`, err.Error(), nil)
		return
	}
	var wg sync.WaitGroup
	for _, cfg := range configs {
		wg.Add(1)
		go func(cfg *storage.ThirdPartyConfig) {
			defer wg.Done()
			if err := e.SyncConfig(ctx, cfg, nil); err != nil {
				common.Warn(nil, `ATTENDANCE_SYNC`, `fail`, err.Error(), map[string]any{`config`: cfg.Name})
			}
		}(cfg)
	}
	wg.Wait()
}

// SyncConfig pushes pending rows for one config, batch by batch, until
// the pending set is empty or a batch fails. Failed rows gain an
// attempt count, which removes them from the first-attempt query, so
// the loop always terminates.
func (e *AttendanceEngine) SyncConfig(ctx context.Context, cfg *storage.ThirdPartyConfig, terminalID *int64) error {
	adapter := e.newAdapter(cfg)
	for {
		logs, err := e.store.PendingLogs(cfg.ID, terminalID, SyncBatchSize)
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			return nil
		}
		if err = e.deliver(ctx, cfg, adapter, logs); err != nil {
			return err
		}
		if len(logs) < SyncBatchSize {
			return nil
		}
	}
}

// RetryFailed replays rows whose backoff window has elapsed, across
// every active config.
func (e *AttendanceEngine) RetryFailed(ctx context.Context) {
	configs, err := e.store.ActiveConfigs()
	if err != nil {
		common.Error(nil, `ATTENDANCE_RETRY`, `fail`, err.Error(), nil)
		return
	}
	now := time.Now().UTC()
	var wg sync.WaitGroup
	for _, cfg := range configs {
		wg.Add(1)
		go func(cfg *storage.ThirdPartyConfig) {
			defer wg.Done()
			adapter := e.newAdapter(cfg)
			logs, err := e.store.RetryEligibleLogs(cfg.ID, now, SyncBatchSize)
			if err != nil {
				common.Warn(nil, `ATTENDANCE_RETRY`, `fail`, err.Error(), map[string]any{`config`: cfg.Name})
				return
			}
			if len(logs) == 0 {
				return
			}
			if err = e.deliver(ctx, cfg, adapter, logs); err != nil {
				common.Warn(nil, `ATTENDANCE_RETRY`, `fail`, err.Error(), map[string]any{
					`config`: cfg.Name,
					`count`:  len(logs),
				})
			}
		}(cfg)
	}
	wg.Wait()
}

// deliver sends one batch and applies the outcome to every row in it.
func (e *AttendanceEngine) deliver(ctx context.Context, cfg *storage.ThirdPartyConfig, adapter *Adapter, logs []*storage.SyncLog) error {
	ids := make([]int64, 0, len(logs))
	terminalIDs := map[int64]bool{}
	batch := make([]map[string]any, 0, len(logs))
	for _, l := range logs {
		ids = append(ids, l.ID)
		terminalIDs[l.TerminalID] = true
		batch = append(batch, logPayload(l))
	}

	started := time.Now()
	err := adapter.SendAttendance(ctx, batch)
	e.metrics.ObserveSyncLatency(time.Since(started))

	now := time.Now().UTC()
	if err == nil {
		if dberr := e.store.MarkLogsSent(ids, now); dberr != nil {
			return dberr
		}
		tids := make([]int64, 0, len(terminalIDs))
		for id := range terminalIDs {
			tids = append(tids, id)
		}
		e.store.TouchAttendanceSync(cfg.ID, tids, now)
		e.metrics.IncrLogsSynced(uint64(len(ids)))
		e.bus.Publish(core.EventMetricsUpdate, map[string]any{
			`synced`: len(ids),
			`config`: cfg.Name,
		})
		common.Info(nil, `ATTENDANCE_SYNC`, `ok`, ``, map[string]any{
			`config`: cfg.Name,
			`count`:  len(ids),
		})
		return nil
	}

	if dberr := e.store.MarkLogsFailed(ids, err.Error(), now); dberr != nil {
		return dberr
	}
	e.metrics.IncrSyncErrors()

	var remote *RemoteError
	if errors.As(err, &remote) {
		switch remote.Kind {
		case ErrKindRateLimited:
			// shift eligibility so the rows wait out the server's window
			if dberr := e.store.DelayLogs(ids, now, remote.RetryAfter); dberr != nil {
				return dberr
			}
		case ErrKindAuth:
			e.bus.Publish(core.EventErrorOccurred, map[string]any{
				`config`: cfg.Name,
				`error`:  remote.Error(),
			})
		}
	}
	return err
}

// logPayload is the wire shape of one attendance record in a sync
// batch. log_id and metadata let the receiver deduplicate the
// at-least-once stream.
func logPayload(l *storage.SyncLog) map[string]any {
	payload := map[string]any{
		`log_id`:           l.ID,
		`terminal_sn`:      l.TerminalSN,
		`enrollid`:         l.EnrollID,
		`external_user_id`: l.ExternalUserID,
		`user_name`:        l.UserName,
		`timestamp`:        l.Time.UTC().Format(time.RFC3339),
		`local_time`:       l.Time.UTC().Format(protocol.TimeLayout),
		`mode`:             l.Mode,
		`inout`:            l.InOut,
		`event`:            l.Event,
		`access_granted`:   l.AccessGranted,
	}
	if l.Temperature != nil {
		payload[`temperature`] = *l.Temperature
	}
	if len(l.RawPayload) > 0 {
		payload[`metadata`] = json.RawMessage(l.RawPayload)
	}
	return payload
}

// Stats exposes per-state counts for the ops API.
func (e *AttendanceEngine) Stats() (map[string]int64, error) {
	return e.store.SyncStats()
}

// DeadLetter lists rows parked after exhausting every attempt.
func (e *AttendanceEngine) DeadLetter(limit int) ([]*storage.SyncLog, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.store.DeadLetterLogs(limit)
}

// ResetFailed re-queues dead-letter rows for delivery; an empty id
// list resets all of them.
func (e *AttendanceEngine) ResetFailed(ids []int64) (int64, error) {
	n, err := e.store.ResetFailedLogs(ids)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		common.Info(nil, `ATTENDANCE_RESET`, `ok`, ``, map[string]any{`count`: n})
	}
	return n, nil
}

// Cleanup removes dead-letter rows older than the retention cutoff.
func (e *AttendanceEngine) Cleanup(olderThan time.Time) (int64, error) {
	return e.store.CleanupFailedLogs(olderThan)
}
