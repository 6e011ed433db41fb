package protocol

import (
	"errors"
	"time"

	"github.com/nkayisi/tm20-terminal/modules"
	"github.com/nkayisi/tm20-terminal/utils"
)

// Terminal-initiated verbs.
const (
	VerbReg        = `reg`
	VerbSendLog    = `sendlog`
	VerbSendUser   = `senduser`
	VerbSendQRCode = `sendqrcode`
)

// Server-initiated verbs.
const (
	VerbGetUserList = `getuserlist`
	VerbGetUserInfo = `getuserinfo`
	VerbSetUserInfo = `setuserinfo`
	VerbDeleteUser  = `deleteuser`
	VerbEnableUser  = `enableuser`
	VerbSetUserName = `setusername`
	VerbOpenDoor    = `opendoor`
	VerbSetTime     = `settime`
	VerbGetTime     = `gettime`
	VerbGetNewLog   = `getnewlog`
	VerbGetAllLog   = `getalllog`
	VerbCleanLog    = `cleanlog`
	VerbCleanUser   = `cleanuser`
	VerbReboot      = `reboot`
	VerbGetDevInfo  = `getdevinfo`
)

// Credential slots carried by senduser.backupnum.
const (
	BackupFingerprint0 = 0 // fingerprints occupy 0..9
	BackupFingerprint9 = 9
	BackupPassword     = 10
	BackupRFID         = 11
	BackupAllFingers   = 12 // deleteuser: every fingerprint
	BackupAll          = 13 // deleteuser: every credential
	BackupFace0        = 20 // faces occupy 20..27
	BackupFace7        = 27
	BackupPalm0        = 30 // palms occupy 30..37
	BackupPalm7        = 37
	BackupPhoto        = 50
)

// Verify modes carried by sendlog.mode.
const (
	ModeFingerprint = 0
	ModeCard        = 1
	ModePassword    = 2
	ModeCardAlt     = 3
	ModeFace        = 8
	ModeQRCode      = 13
)

// TimeLayout is the naive local datetime format used on the wire.
const TimeLayout = `2006-01-02 15:04:05`

var (
	ErrMalformedFrame = errors.New(`protocol: malformed frame`)
	ErrUnknownVerb    = errors.New(`protocol: unknown verb`)
	ErrInvalidMessage = errors.New(`protocol: invalid message`)
)

// Message is one parsed and validated inbound frame. Exactly one of
// the payload pointers is set, matching Cmd or Ret.
type Message struct {
	Cmd string
	Ret string
	Raw []byte

	Register   *modules.Register
	SendLog    *modules.SendLog
	SendUser   *modules.SendUser
	SendQRCode *modules.SendQRCode
	Response   *modules.Response
}

type probe struct {
	Cmd string `json:"cmd"`
	Ret string `json:"ret"`
}

// Parse decodes one frame and validates it against the per-verb
// rules. Callers drop invalid frames with a warning; a parse error
// never closes the socket.
func Parse(data []byte) (*Message, error) {
	var p probe
	if err := utils.JSON.Unmarshal(data, &p); err != nil {
		return nil, ErrMalformedFrame
	}
	if (len(p.Cmd) == 0) == (len(p.Ret) == 0) {
		return nil, ErrMalformedFrame
	}
	msg := &Message{Cmd: p.Cmd, Ret: p.Ret, Raw: data}
	if len(p.Ret) > 0 {
		resp := &modules.Response{}
		if err := utils.JSON.Unmarshal(data, resp); err != nil {
			return nil, ErrMalformedFrame
		}
		msg.Response = resp
		return msg, nil
	}
	switch p.Cmd {
	case VerbReg:
		reg := &modules.Register{}
		if err := utils.JSON.Unmarshal(data, reg); err != nil {
			return nil, ErrMalformedFrame
		}
		if err := validateRegister(reg); err != nil {
			return nil, err
		}
		msg.Register = reg
	case VerbSendLog:
		sl := &modules.SendLog{}
		if err := utils.JSON.Unmarshal(data, sl); err != nil {
			return nil, ErrMalformedFrame
		}
		if err := validateSendLog(sl); err != nil {
			return nil, err
		}
		msg.SendLog = sl
	case VerbSendUser:
		su := &modules.SendUser{}
		if err := utils.JSON.Unmarshal(data, su); err != nil {
			return nil, ErrMalformedFrame
		}
		if err := validateSendUser(su); err != nil {
			return nil, err
		}
		msg.SendUser = su
	case VerbSendQRCode:
		qr := &modules.SendQRCode{}
		if err := utils.JSON.Unmarshal(data, qr); err != nil {
			return nil, ErrMalformedFrame
		}
		if err := validateSendQRCode(qr); err != nil {
			return nil, err
		}
		msg.SendQRCode = qr
	default:
		return nil, ErrUnknownVerb
	}
	return msg, nil
}

// Cloudtime renders t in server local time, wire format.
func Cloudtime(t time.Time) string {
	return t.Local().Format(TimeLayout)
}

// ParseTime reads a wire datetime as server local time and returns
// it in UTC. Only the exact layout is accepted.
func ParseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
