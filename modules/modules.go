package modules

import "encoding/json"

// Wire structures of the TM20 terminal protocol. Every frame is one
// JSON document with exactly one of `cmd` or `ret` at the root.

type DevInfo struct {
	ModelName string `json:"modelname"`
	UserSize  int    `json:"usersize"`
	FPSize    int    `json:"fpsize"`
	CardSize  int    `json:"cardsize"`
	LogSize   int    `json:"logsize"`
	UsedUser  int    `json:"useduser"`
	UsedFP    int    `json:"usedfp"`
	UsedCard  int    `json:"usedcard"`
	UsedLog   int    `json:"usedlog"`
	FPAlgo    string `json:"fpalgo"`
	Firmware  string `json:"firmware"`
	MAC       string `json:"mac"`
	Time      string `json:"time"`
}

type Register struct {
	SN      string   `json:"sn"`
	CpuSN   string   `json:"cpusn"`
	DevInfo *DevInfo `json:"devinfo"`
}

type LogRecord struct {
	EnrollID    int      `json:"enrollid"`
	Time        string   `json:"time"`
	Mode        int      `json:"mode"`
	InOut       int      `json:"inout"`
	Event       int      `json:"event"`
	Temperature *float64 `json:"temp,omitempty"`
	Image       string   `json:"image,omitempty"`
}

type SendLog struct {
	SN       string      `json:"sn"`
	Count    int         `json:"count"`
	LogIndex int         `json:"logindex"`
	Record   []LogRecord `json:"record"`
}

type SendUser struct {
	SN        string          `json:"sn"`
	EnrollID  int             `json:"enrollid"`
	Name      string          `json:"name"`
	BackupNum int             `json:"backupnum"`
	Admin     int             `json:"admin"`
	Record    json.RawMessage `json:"record"`
}

type SendQRCode struct {
	SN     string `json:"sn"`
	Record string `json:"record"`
}

// Response is a terminal acknowledgement of a server command.
type Response struct {
	Ret    string          `json:"ret"`
	SN     string          `json:"sn"`
	Result bool            `json:"result"`
	Reason json.RawMessage `json:"reason,omitempty"`
	Record json.RawMessage `json:"record,omitempty"`
}

// UserName is one entry of a setusername batch.
type UserName struct {
	EnrollID int    `json:"enrollid"`
	Name     string `json:"name"`
}

// Device is the live view of one connected terminal, as exposed by
// the registry snapshot and the dashboard.
type Device struct {
	SN            string `json:"sn"`
	State         string `json:"state"`
	RemoteIP      string `json:"remote_ip"`
	ConnectedAt   string `json:"connected_at"`
	LastMessageAt string `json:"last_message_at"`
	MessageCount  uint64 `json:"message_count"`
	ErrorCount    uint64 `json:"error_count"`
}
