package protocol

import (
	"fmt"

	"github.com/nkayisi/tm20-terminal/modules"
)

func validateRegister(reg *modules.Register) error {
	if len(reg.SN) < 5 || len(reg.SN) > 50 {
		return fmt.Errorf(`%w: sn length %d`, ErrInvalidMessage, len(reg.SN))
	}
	if di := reg.DevInfo; di != nil {
		for name, v := range map[string]int{
			`usersize`: di.UserSize,
			`fpsize`:   di.FPSize,
			`cardsize`: di.CardSize,
			`logsize`:  di.LogSize,
			`useduser`: di.UsedUser,
			`usedfp`:   di.UsedFP,
			`usedcard`: di.UsedCard,
			`usedlog`:  di.UsedLog,
		} {
			if v < 0 {
				return fmt.Errorf(`%w: devinfo.%s negative`, ErrInvalidMessage, name)
			}
		}
	}
	return nil
}

func validateSendLog(sl *modules.SendLog) error {
	if sl.Record == nil {
		return fmt.Errorf(`%w: sendlog without record`, ErrInvalidMessage)
	}
	for i := range sl.Record {
		if len(sl.Record[i].Time) == 0 {
			return fmt.Errorf(`%w: record %d without time`, ErrInvalidMessage, i)
		}
	}
	return nil
}

func validateSendUser(su *modules.SendUser) error {
	if su.EnrollID < 0 {
		return fmt.Errorf(`%w: enrollid %d`, ErrInvalidMessage, su.EnrollID)
	}
	if !ValidBackupNum(su.BackupNum) {
		return fmt.Errorf(`%w: backupnum %d`, ErrInvalidMessage, su.BackupNum)
	}
	if su.Admin < 0 || su.Admin > 2 {
		return fmt.Errorf(`%w: admin %d`, ErrInvalidMessage, su.Admin)
	}
	return nil
}

func validateSendQRCode(qr *modules.SendQRCode) error {
	if len(qr.Record) == 0 {
		return fmt.Errorf(`%w: sendqrcode without record`, ErrInvalidMessage)
	}
	return nil
}

// ValidBackupNum reports whether n is a known credential slot,
// including the group-delete codes 12 and 13.
func ValidBackupNum(n int) bool {
	switch {
	case n >= 0 && n <= BackupAll:
		return true
	case n >= BackupFace0 && n <= BackupFace7:
		return true
	case n >= BackupPalm0 && n <= BackupPalm7:
		return true
	case n == BackupPhoto:
		return true
	}
	return false
}
