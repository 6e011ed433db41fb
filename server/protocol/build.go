package protocol

import (
	"time"

	"github.com/nkayisi/tm20-terminal/modules"
	"github.com/nkayisi/tm20-terminal/utils"
)

// Responses echo the verb in `ret`. Failure responses carry a reason;
// success responses carry the server clock so terminals can resync.

func marshal(m map[string]any) []byte {
	out, _ := utils.JSON.Marshal(m)
	return out
}

func RegOK() []byte {
	return marshal(map[string]any{
		`ret`:        VerbReg,
		`result`:     true,
		`cloudtime`:  Cloudtime(utils.Now),
		`nosenduser`: true,
	})
}

func RegFail(reason string) []byte {
	return marshal(map[string]any{
		`ret`:    VerbReg,
		`result`: false,
		`reason`: reason,
	})
}

func SendLogOK(count, logindex, access int) []byte {
	return marshal(map[string]any{
		`ret`:       VerbSendLog,
		`result`:    true,
		`count`:     count,
		`logindex`:  logindex,
		`cloudtime`: Cloudtime(utils.Now),
		`access`:    access,
	})
}

func SendLogFail() []byte {
	return marshal(map[string]any{
		`ret`:    VerbSendLog,
		`result`: false,
		`reason`: 1,
	})
}

func SendUserOK() []byte {
	return marshal(map[string]any{
		`ret`:       VerbSendUser,
		`result`:    true,
		`cloudtime`: Cloudtime(utils.Now),
	})
}

func SendUserFail() []byte {
	return marshal(map[string]any{
		`ret`:    VerbSendUser,
		`result`: false,
		`reason`: 1,
	})
}

func SendQRCodeResult(granted bool, enrollid int, username, message string) []byte {
	return marshal(map[string]any{
		`ret`:      VerbSendQRCode,
		`result`:   true,
		`access`:   utils.If(granted, 1, 0),
		`enrollid`: enrollid,
		`username`: username,
		`message`:  message,
	})
}

// Command builds a server frame with arbitrary fields, used when the
// payload comes from the command queue or the ops API.
func Command(verb string, fields map[string]any) []byte {
	m := map[string]any{`cmd`: verb}
	for k, v := range fields {
		if k != `cmd` {
			m[k] = v
		}
	}
	return marshal(m)
}

func CmdGetUserList() []byte {
	return Command(VerbGetUserList, map[string]any{`stn`: true})
}

func CmdGetUserInfo(enrollid, backupnum int) []byte {
	return Command(VerbGetUserInfo, map[string]any{`enrollid`: enrollid, `backupnum`: backupnum})
}

func CmdSetUserInfo(enrollid int, name string, backupnum, admin int, record string) []byte {
	return Command(VerbSetUserInfo, map[string]any{
		`enrollid`:  enrollid,
		`name`:      name,
		`backupnum`: backupnum,
		`admin`:     admin,
		`record`:    record,
	})
}

// CmdDeleteUser with backupnum 13 removes every credential.
func CmdDeleteUser(enrollid, backupnum int) []byte {
	return Command(VerbDeleteUser, map[string]any{`enrollid`: enrollid, `backupnum`: backupnum})
}

func CmdEnableUser(enrollid int, enable bool) []byte {
	return Command(VerbEnableUser, map[string]any{`enrollid`: enrollid, `enflag`: utils.If(enable, 1, 0)})
}

func CmdSetUserName(records []modules.UserName) []byte {
	return Command(VerbSetUserName, map[string]any{`count`: len(records), `record`: records})
}

func CmdOpenDoor(door, delay int) []byte {
	return Command(VerbOpenDoor, map[string]any{`door`: door, `delay`: delay})
}

func CmdSetTime(t time.Time) []byte {
	return Command(VerbSetTime, map[string]any{`cloudtime`: Cloudtime(t)})
}

func CmdGetTime() []byte {
	return Command(VerbGetTime, nil)
}

func CmdGetNewLog() []byte {
	return Command(VerbGetNewLog, map[string]any{`stn`: true})
}

func CmdGetAllLog() []byte {
	return Command(VerbGetAllLog, map[string]any{`stn`: true})
}

func CmdCleanLog() []byte {
	return Command(VerbCleanLog, nil)
}

func CmdCleanUser() []byte {
	return Command(VerbCleanUser, nil)
}

func CmdReboot() []byte {
	return Command(VerbReboot, nil)
}

func CmdGetDevInfo() []byte {
	return Command(VerbGetDevInfo, nil)
}
