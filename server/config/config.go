package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kataras/golog"

	"github.com/nkayisi/tm20-terminal/utils"
)

type config struct {
	Listen            string
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	SendTimeout       time.Duration
	SessionWindow     time.Duration
	RequireWhitelist  bool
	MaxLogBatchSize   int
	DatabasePath      string
	RedisURL          string
	Log               *log
}

type log struct {
	Level string
	Path  string
	Days  uint
}

// Config holds the process-wide settings. Defaults here keep the
// package usable before Load runs (tests in particular).
var Config = config{
	Listen:            `:8190`,
	HeartbeatInterval: 30 * time.Second,
	ConnectionTimeout: 90 * time.Second,
	SendTimeout:       10 * time.Second,
	SessionWindow:     18 * time.Hour,
	RequireWhitelist:  false,
	MaxLogBatchSize:   40,
	DatabasePath:      `tm20.db`,
	RedisURL:          `redis://127.0.0.1:6379/0`,
	Log: &log{
		Level: `info`,
		Path:  ``,
		Days:  7,
	},
}

// Load reads the environment, applies command-line overrides and
// validates the result. Called once from main before anything else.
func Load() {
	golog.SetTimeFormat(`2006/01/02 15:04:05`)

	var (
		port              uint
		heartbeatSecs     uint
		timeoutSecs       uint
		sendTimeoutSecs   uint
		sessionWindowHrs  uint
		requireWhitelist  bool
		maxLogBatch       uint
		dbPath, redisURL  string
		logLevel, logPath string
		logDays           uint
	)
	flag.UintVar(&port, `port`, envUint(`WEBSOCKET_PORT`, 8190), `listen port, default: 8190`)
	flag.UintVar(&heartbeatSecs, `heartbeat`, envUint(`HEARTBEAT_INTERVAL`, 30), `heartbeat interval in seconds, default: 30`)
	flag.UintVar(&timeoutSecs, `timeout`, envUint(`CONNECTION_TIMEOUT`, 90), `idle connection timeout in seconds, default: 90`)
	flag.UintVar(&sendTimeoutSecs, `send-timeout`, envUint(`SEND_TIMEOUT`, 10), `send-to-device timeout in seconds, default: 10`)
	flag.UintVar(&sessionWindowHrs, `session-window`, envUint(`SESSION_WINDOW_HOURS`, 18), `work session window in hours, default: 18`)
	flag.BoolVar(&requireWhitelist, `require-whitelist`, envBool(`REQUIRE_WHITELIST`, false), `only whitelisted terminals may register`)
	flag.UintVar(&maxLogBatch, `max-log-batch`, envUint(`MAX_LOG_BATCH_SIZE`, 40), `max records per sendlog frame, default: 40`)
	flag.StringVar(&dbPath, `database`, envStr(`DATABASE_PATH`, `tm20.db`), `sqlite database path, default: tm20.db`)
	flag.StringVar(&redisURL, `redis`, envStr(`REDIS_URL`, `redis://127.0.0.1:6379/0`), `redis url for the liveness mirror`)
	flag.StringVar(&logLevel, `log-level`, envStr(`LOG_LEVEL`, `info`), `log level, default: info`)
	flag.StringVar(&logPath, `log-path`, envStr(`LOG_PATH`, ``), `log file directory, empty for stdout only`)
	flag.UintVar(&logDays, `log-days`, envUint(`LOG_DAYS`, 7), `max days of logs, default: 7`)
	flag.Parse()

	if port == 0 || port > 65535 {
		fatal(map[string]any{
			`event`:  `CONFIG_PARSE`,
			`status`: `fail`,
			`msg`:    fmt.Sprintf(`invalid port: %d`, port),
		})
		return
	}
	if heartbeatSecs == 0 || timeoutSecs == 0 {
		fatal(map[string]any{
			`event`:  `CONFIG_PARSE`,
			`status`: `fail`,
			`msg`:    `heartbeat and timeout must be positive`,
		})
		return
	}
	if timeoutSecs < heartbeatSecs {
		fatal(map[string]any{
			`event`:  `CONFIG_PARSE`,
			`status`: `fail`,
			`msg`:    `connection timeout should not be less than heartbeat interval`,
		})
		return
	}

	Config.Listen = fmt.Sprintf(`:%d`, port)
	Config.HeartbeatInterval = time.Duration(heartbeatSecs) * time.Second
	Config.ConnectionTimeout = time.Duration(timeoutSecs) * time.Second
	Config.SendTimeout = time.Duration(sendTimeoutSecs) * time.Second
	Config.SessionWindow = time.Duration(sessionWindowHrs) * time.Hour
	Config.RequireWhitelist = requireWhitelist
	Config.MaxLogBatchSize = int(maxLogBatch)
	Config.DatabasePath = dbPath
	Config.RedisURL = redisURL
	Config.Log = &log{
		Level: logLevel,
		Path:  logPath,
		Days:  logDays,
	}

	golog.SetLevel(utils.If(len(Config.Log.Level) == 0, `info`, Config.Log.Level))
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && len(v) > 0 {
		return v
	}
	return def
}

func envUint(key string, def uint) uint {
	v, ok := os.LookupEnv(key)
	if !ok || len(v) == 0 {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		fatal(map[string]any{
			`event`:  `CONFIG_PARSE`,
			`status`: `fail`,
			`msg`:    fmt.Sprintf(`%s: %v`, key, err),
		})
		return def
	}
	return uint(n)
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || len(v) == 0 {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		fatal(map[string]any{
			`event`:  `CONFIG_PARSE`,
			`status`: `fail`,
			`msg`:    fmt.Sprintf(`%s: %v`, key, err),
		})
		return def
	}
	return b
}

func fatal(args map[string]any) {
	output, _ := utils.JSON.MarshalToString(args)
	golog.Fatal(output)
}
