package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/nkayisi/tm20-terminal/server/common"
	"github.com/nkayisi/tm20-terminal/server/config"
	"github.com/nkayisi/tm20-terminal/server/core"
	"github.com/nkayisi/tm20-terminal/server/dashboard"
	"github.com/nkayisi/tm20-terminal/server/engine"
	"github.com/nkayisi/tm20-terminal/server/handler"
	"github.com/nkayisi/tm20-terminal/server/session"
	"github.com/nkayisi/tm20-terminal/server/storage"
)

const (
	eventBusHistory = 1000
	syncInterval    = time.Minute
	shutdownWait    = 30 * time.Second
)

func main() {
	config.Load()
	common.InitLog()

	store, err := storage.Open(config.Config.DatabasePath)
	if err != nil {
		common.Fatal(nil, `STARTUP`, `fail`, err.Error(), map[string]any{`database`: config.Config.DatabasePath})
		return
	}

	var rdb *redis.Client
	if opt, err := redis.ParseURL(config.Config.RedisURL); err != nil {
		common.Warn(nil, `STARTUP`, ``, `redis disabled: `+err.Error(), nil)
	} else {
		rdb = redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err = rdb.Ping(pingCtx).Err(); err != nil {
			// the hub runs without the mirror; peers just see stale keys expire
			common.Warn(nil, `STARTUP`, ``, `redis unreachable: `+err.Error(), nil)
		}
		cancel()
	}

	bus := core.NewBus(eventBusHistory)
	metrics := core.NewMetrics(rdb)
	registry := session.NewRegistry(bus, metrics, rdb)
	hub := dashboard.NewHub(bus, registry, metrics)
	attendance := engine.NewAttendanceEngine(store, bus, metrics)
	users := engine.NewUserEngine(store, registry, bus)

	h := &handler.Handler{
		Store:      store,
		Registry:   registry,
		Bus:        bus,
		Metrics:    metrics,
		Attendance: attendance,
		Users:      users,
		Dashboard:  hub,
		Redis:      rdb,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	h.InitRouter(r)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go registry.StartMonitor(ctx)
	go hub.Run(ctx)
	go attendance.Run(ctx, syncInterval)
	go exportLoop(ctx, metrics)
	go housekeeping(ctx, store)

	srv := &http.Server{
		Addr:    config.Config.Listen,
		Handler: r,
	}
	go func() {
		common.Info(nil, `STARTUP`, `ok`, ``, map[string]any{`listen`: config.Config.Listen})
		bus.Publish(core.EventServerStarted, map[string]any{`listen`: config.Config.Listen})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			common.Fatal(nil, `STARTUP`, `fail`, err.Error(), nil)
		}
	}()

	<-ctx.Done()
	common.Info(nil, `SHUTDOWN`, ``, `signal received`, nil)
	bus.Publish(core.EventServerStopped, nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		common.Warn(nil, `SHUTDOWN`, `fail`, err.Error(), nil)
	}
	registry.Shutdown()
	store.Close()
	if rdb != nil {
		rdb.Close()
	}
	common.Info(nil, `SHUTDOWN`, `ok`, ``, nil)
	common.CloseLog()
}

// exportLoop mirrors the metrics snapshot into the shared KV once a
// second.
func exportLoop(ctx context.Context, metrics *core.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.Export(ctx)
		}
	}
}

// housekeeping prunes resolved command rows and aged dead-letter
// attendance rows once an hour.
func housekeeping(ctx context.Context, store *storage.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-7 * 24 * time.Hour)
			if n, err := store.CleanupCommands(cutoff); err == nil && n > 0 {
				common.Info(nil, `HOUSEKEEPING`, `ok`, ``, map[string]any{`commands_removed`: n})
			}
			if n, err := store.CleanupFailedLogs(time.Now().UTC().Add(-30 * 24 * time.Hour)); err == nil && n > 0 {
				common.Info(nil, `HOUSEKEEPING`, `ok`, ``, map[string]any{`dead_letter_removed`: n})
			}
			staleCutoff := time.Now().UTC().Add(-config.Config.ConnectionTimeout * 10)
			if n, err := store.TimeoutStaleCommands(staleCutoff); err == nil && n > 0 {
				common.Info(nil, `HOUSEKEEPING`, `ok`, ``, map[string]any{`commands_timed_out`: n})
			}
		}
	}
}
