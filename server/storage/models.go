package storage

import "time"

// AttendanceLog sync states. `failed` is the dead-letter terminal
// state, only left via ResetFailedLogs.
const (
	SyncPending = `pending`
	SyncSent    = `sent`
	SyncFailed  = `failed`
)

// BiometricUser sync states.
const (
	UserLocal       = `local`
	UserPendingSync = `pending_sync`
	UserSynced      = `synced_to_terminal`
	UserError       = `error`
)

// CommandQueue states.
const (
	CommandPending = `pending`
	CommandSent    = `sent`
	CommandSuccess = `success`
	CommandFailed  = `failed`
	CommandTimeout = `timeout`
)

// Third-party auth types.
const (
	AuthNone   = `none`
	AuthBearer = `bearer`
	AuthAPIKey = `api_key`
	AuthBasic  = `basic`
)

// MaxSyncAttempts is the dead-letter threshold for attendance rows.
const MaxSyncAttempts = 5

type Terminal struct {
	ID            int64     `json:"id"`
	SN            string    `json:"sn"`
	CpuSN         string    `json:"cpusn"`
	Model         string    `json:"model"`
	Firmware      string    `json:"firmware"`
	MAC           string    `json:"mac"`
	UserCapacity  int       `json:"user_capacity"`
	FPCapacity    int       `json:"fp_capacity"`
	CardCapacity  int       `json:"card_capacity"`
	LogCapacity   int       `json:"log_capacity"`
	UsedUsers     int       `json:"used_users"`
	UsedFP        int       `json:"used_fp"`
	UsedCards     int       `json:"used_cards"`
	UsedLogs      int       `json:"used_logs"`
	LastSeen      time.Time `json:"last_seen"`
	IsActive      bool      `json:"is_active"`
	IsWhitelisted bool      `json:"is_whitelisted"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type BiometricUser struct {
	ID             int64      `json:"id"`
	TerminalID     int64      `json:"terminal_id"`
	EnrollID       int        `json:"enrollid"`
	Name           string     `json:"name"`
	AdminLevel     int        `json:"admin_level"`
	IsEnabled      bool       `json:"is_enabled"`
	Weekzone1      int        `json:"weekzone1"`
	Weekzone2      int        `json:"weekzone2"`
	Weekzone3      int        `json:"weekzone3"`
	Weekzone4      int        `json:"weekzone4"`
	Group          int        `json:"group"`
	StartTime      *time.Time `json:"starttime"`
	EndTime        *time.Time `json:"endtime"`
	ExternalID     string     `json:"external_id"`
	SourceConfigID *int64     `json:"source_config_id"`
	SyncStatus     string     `json:"sync_status"`
	LastSyncedAt   *time.Time `json:"last_synced_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Credential struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	BackupType int       `json:"backup_type"`
	Payload    string    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type AttendanceLog struct {
	ID             int64      `json:"id"`
	TerminalID     int64      `json:"terminal_id"`
	UserID         *int64     `json:"user_id"`
	EnrollID       int        `json:"enrollid"`
	Time           time.Time  `json:"time"`
	Mode           int        `json:"mode"`
	InOut          int        `json:"inout"`
	Event          int        `json:"event"`
	Temperature    *float64   `json:"temperature"`
	Image          string     `json:"image"`
	RawPayload     string     `json:"raw_payload"`
	AccessGranted  bool       `json:"access_granted"`
	WithinSchedule bool       `json:"within_schedule"`
	SyncStatus     string     `json:"sync_status"`
	SyncAttempts   int        `json:"sync_attempts"`
	SyncedAt       *time.Time `json:"synced_at"`
	SyncError      string     `json:"sync_error"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Command struct {
	ID          int64      `json:"id"`
	TerminalID  int64      `json:"terminal_id"`
	Command     string     `json:"command"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

type ThirdPartyConfig struct {
	ID                  int64  `json:"id"`
	Name                string `json:"name"`
	BaseURL             string `json:"base_url"`
	UsersEndpoint       string `json:"users_endpoint"`
	AttendanceEndpoint  string `json:"attendance_endpoint"`
	AuthType            string `json:"auth_type"`
	AuthToken           string `json:"auth_token"`
	AuthHeaderName      string `json:"auth_header_name"`
	ExtraHeaders        string `json:"extra_headers"`
	TimeoutSeconds      int    `json:"timeout_seconds"`
	RetryAttempts       int    `json:"retry_attempts"`
	SyncIntervalMinutes int    `json:"sync_interval_minutes"`
	IsActive            bool   `json:"is_active"`
}

type Mapping struct {
	ID                 int64      `json:"id"`
	TerminalID         int64      `json:"terminal_id"`
	ConfigID           int64      `json:"config_id"`
	IsActive           bool       `json:"is_active"`
	SyncUsers          bool       `json:"sync_users"`
	SyncAttendance     bool       `json:"sync_attendance"`
	LastUserSync       *time.Time `json:"last_user_sync"`
	LastAttendanceSync *time.Time `json:"last_attendance_sync"`
}

type Schedule struct {
	ID               int64      `json:"id"`
	TerminalID       int64      `json:"terminal_id"`
	Weekday          int        `json:"weekday"`
	CheckIn          string     `json:"check_in"`
	CheckOut         string     `json:"check_out"`
	BreakStart       string     `json:"break_start"`
	BreakEnd         string     `json:"break_end"`
	ToleranceMinutes int        `json:"tolerance_minutes"`
	EffectiveFrom    *time.Time `json:"effective_from"`
	EffectiveUntil   *time.Time `json:"effective_until"`
	IsActive         bool       `json:"is_active"`
}

// SyncLog is an attendance row joined with the context the adapter
// payload needs (terminal SN, resolved user identity).
type SyncLog struct {
	ID             int64     `json:"id"`
	TerminalID     int64     `json:"terminal_id"`
	TerminalSN     string    `json:"terminal_sn"`
	EnrollID       int       `json:"enrollid"`
	Time           time.Time `json:"time"`
	Mode           int       `json:"mode"`
	InOut          int       `json:"inout"`
	Event          int       `json:"event"`
	Temperature    *float64  `json:"temperature"`
	AccessGranted  bool      `json:"access_granted"`
	RawPayload     string    `json:"raw_payload"`
	SyncAttempts   int       `json:"sync_attempts"`
	SyncError      string    `json:"sync_error"`
	ExternalUserID string    `json:"external_user_id"`
	UserName       string    `json:"user_name"`
}
