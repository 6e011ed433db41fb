package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nkayisi/tm20-terminal/modules"
	"github.com/nkayisi/tm20-terminal/server/common"
	"github.com/nkayisi/tm20-terminal/server/config"
	"github.com/nkayisi/tm20-terminal/server/core"
	"github.com/nkayisi/tm20-terminal/server/protocol"
	"github.com/nkayisi/tm20-terminal/server/session"
	"github.com/nkayisi/tm20-terminal/server/storage"
	"github.com/nkayisi/tm20-terminal/utils"
)

// onReg authorizes the terminal, upserts its record and takes over the
// SN slot in the registry. A denied terminal gets the failure response
// and then the close; nothing else it sends is handled.
func (h *Handler) onReg(s *session.Session, reg *modules.Register) {
	known, err := h.Store.GetTerminal(reg.SN)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		common.Error(reg.SN, `TERMINAL_REG`, `fail`, err.Error(), nil)
		s.Enqueue(protocol.RegFail(`Terminal not authorized`))
		s.Close()
		return
	}
	denied := known != nil && !known.IsActive
	if config.Config.RequireWhitelist && (known == nil || !known.IsWhitelisted) {
		denied = true
	}
	if denied {
		common.Warn(reg.SN, `TERMINAL_REG`, `fail`, `not authorized`, nil)
		s.Enqueue(protocol.RegFail(`Terminal not authorized`))
		s.Close()
		return
	}

	terminal, created, err := h.Store.UpsertTerminal(reg)
	if err != nil {
		common.Error(reg.SN, `TERMINAL_REG`, `fail`, err.Error(), nil)
		s.Enqueue(protocol.RegFail(`Terminal not authorized`))
		s.Close()
		return
	}

	s.SN = terminal.SN
	s.TerminalID = terminal.ID
	s.SetState(session.StateRegistered)
	h.Registry.Register(terminal.SN, s)

	if err = s.Enqueue(protocol.RegOK()); err != nil {
		common.Warn(terminal.SN, `TERMINAL_REG`, `fail`, err.Error(), nil)
		return
	}
	s.SetState(session.StateOnline)
	common.Info(terminal.SN, `TERMINAL_REG`, `ok`, ``, map[string]any{
		`created`: created,
		`model`:   terminal.Model,
	})

	h.drainCommands(s)
}

// drainCommands flushes the offline command queue in insertion order.
// A full mailbox stops the drain; the rest stays queued for the next
// reconnect.
func (h *Handler) drainCommands(s *session.Session) {
	cmds, err := h.Store.PendingCommands(s.TerminalID)
	if err != nil {
		common.Warn(s.SN, `COMMAND_DRAIN`, `fail`, err.Error(), nil)
		return
	}
	for _, cmd := range cmds {
		fields := map[string]any{}
		if err = utils.JSON.UnmarshalFromString(cmd.Payload, &fields); err != nil {
			common.Warn(s.SN, `COMMAND_DRAIN`, `fail`, err.Error(), map[string]any{`id`: cmd.ID})
			continue
		}
		if err = s.Enqueue(protocol.Command(cmd.Command, fields)); err != nil {
			common.Warn(s.SN, `COMMAND_DRAIN`, `fail`, err.Error(), map[string]any{`id`: cmd.ID})
			return
		}
		h.Store.MarkCommandSent(cmd.ID)
		h.Metrics.IncrCommandSent()
	}
	if len(cmds) > 0 {
		common.Info(s.SN, `COMMAND_DRAIN`, `ok`, ``, map[string]any{`count`: len(cmds)})
	}
}

// punch tracks the last seen punch of one enrollid while a batch is
// folded, so direction inference works within the batch too.
type punch struct {
	at    time.Time
	inout int
}

// onSendLog persists one attendance batch. The whole batch lands or
// none of it does; the terminal resends on failure.
func (h *Handler) onSendLog(s *session.Session, sl *modules.SendLog) {
	if sl.Count != len(sl.Record) {
		common.Warn(s.SN, `ATTENDANCE_RECV`, ``, `count mismatch`, map[string]any{
			`count`:   sl.Count,
			`records`: len(sl.Record),
		})
	}
	if len(sl.Record) > config.Config.MaxLogBatchSize {
		common.Warn(s.SN, `ATTENDANCE_RECV`, ``, `batch exceeds limit`, map[string]any{
			`records`: len(sl.Record),
			`limit`:   config.Config.MaxLogBatchSize,
		})
	}

	logs := make([]*storage.AttendanceLog, 0, len(sl.Record))
	lastPunch := map[int]punch{}
	lastAccess := 1
	for i := range sl.Record {
		rec := &sl.Record[i]
		at, err := protocol.ParseTime(rec.Time)
		if err != nil {
			at = time.Now().UTC()
			common.Warn(s.SN, `ATTENDANCE_RECV`, ``, `unparseable time, using server clock`, map[string]any{
				`time`: rec.Time,
			})
		}

		var userID *int64
		granted := true
		user, err := h.Store.GetUserByEnroll(s.TerminalID, rec.EnrollID)
		if err == nil {
			userID = &user.ID
			granted = userAllowed(user, at)
		} else if !errors.Is(err, storage.ErrNotFound) {
			common.Warn(s.SN, `ATTENDANCE_RECV`, `fail`, err.Error(), nil)
		}
		lastAccess = utils.If(granted, 1, 0)

		prev, seen := lastPunch[rec.EnrollID]
		if !seen {
			if prevAt, prevInOut, err := h.Store.LastPunch(s.TerminalID, rec.EnrollID, at); err == nil {
				prev = punch{at: prevAt, inout: prevInOut}
			}
		}
		inout := storage.NextInOut(prev.at, prev.inout, at, config.Config.SessionWindow)
		lastPunch[rec.EnrollID] = punch{at: at, inout: inout}

		within, err := h.Store.WithinSchedule(s.TerminalID, at)
		if err != nil {
			within = true
		}

		raw, _ := utils.JSON.MarshalToString(rec)
		logs = append(logs, &storage.AttendanceLog{
			TerminalID:     s.TerminalID,
			UserID:         userID,
			EnrollID:       rec.EnrollID,
			Time:           at,
			Mode:           rec.Mode,
			InOut:          inout,
			Event:          rec.Event,
			Temperature:    rec.Temperature,
			Image:          rec.Image,
			RawPayload:     raw,
			AccessGranted:  granted,
			WithinSchedule: within,
		})
	}

	started := time.Now()
	if err := h.Store.InsertLogs(context.Background(), logs); err != nil {
		common.Error(s.SN, `ATTENDANCE_RECV`, `fail`, err.Error(), map[string]any{`records`: len(logs)})
		s.RecordError()
		h.Metrics.IncrErrors()
		s.Enqueue(protocol.SendLogFail())
		return
	}
	h.Metrics.ObserveDBLatency(time.Since(started))
	h.Metrics.RecordLogs(s.SN, len(logs))
	h.Store.TouchTerminal(s.SN)

	for _, l := range logs {
		h.Bus.Publish(core.EventAttendanceLogReceived, map[string]any{
			`sn`:             s.SN,
			`enrollid`:       l.EnrollID,
			`time`:           l.Time,
			`mode`:           l.Mode,
			`inout`:          l.InOut,
			`access_granted`: l.AccessGranted,
		})
	}
	h.Bus.Publish(core.EventAttendanceLogBatch, map[string]any{
		`sn`:         s.SN,
		`count`:      len(logs),
		`latency_ms`: time.Since(started).Milliseconds(),
	})
	common.Info(s.SN, `ATTENDANCE_RECV`, `ok`, ``, map[string]any{`records`: len(logs)})

	s.Enqueue(protocol.SendLogOK(sl.Count, sl.LogIndex, lastAccess))
}

// userAllowed applies the access rule: enabled users inside their
// validity window pass. Unknown enrollids are allowed; the terminal
// already verified the credential.
func userAllowed(u *storage.BiometricUser, at time.Time) bool {
	return len(denyReason(u, at)) == 0
}

// denyReason explains why a user is denied, empty when allowed.
func denyReason(u *storage.BiometricUser, at time.Time) string {
	if !u.IsEnabled {
		return `User disabled`
	}
	if u.StartTime != nil && at.Before(*u.StartTime) {
		return `Access not yet valid`
	}
	if u.EndTime != nil && at.After(*u.EndTime) {
		return `Access expired`
	}
	return ``
}

// onSendUser records an enrollment made at the terminal keypad: the
// user row plus the credential payload, stored verbatim.
func (h *Handler) onSendUser(s *session.Session, su *modules.SendUser) {
	user, created, err := h.Store.UpsertDeviceUser(s.TerminalID, su.EnrollID, su.Name, su.Admin)
	if err != nil {
		common.Error(s.SN, `USER_RECV`, `fail`, err.Error(), map[string]any{`enrollid`: su.EnrollID})
		s.RecordError()
		s.Enqueue(protocol.SendUserFail())
		return
	}
	if len(su.Record) > 0 && string(su.Record) != `null` {
		if err = h.Store.UpsertCredential(user.ID, su.BackupNum, string(su.Record)); err != nil {
			common.Error(s.SN, `USER_RECV`, `fail`, err.Error(), map[string]any{`enrollid`: su.EnrollID})
			s.Enqueue(protocol.SendUserFail())
			return
		}
	}
	if created {
		h.Bus.Publish(core.EventUserCreated, map[string]any{
			`sn`:       s.SN,
			`enrollid`: su.EnrollID,
			`name`:     su.Name,
		})
	}
	common.Info(s.SN, `USER_RECV`, `ok`, ``, map[string]any{
		`enrollid`:  su.EnrollID,
		`backupnum`: su.BackupNum,
		`created`:   created,
	})
	s.Enqueue(protocol.SendUserOK())
}

// onSendQRCode answers a QR scan in real time: the terminal holds the
// door until this response arrives.
func (h *Handler) onSendQRCode(s *session.Session, qr *modules.SendQRCode) {
	code := strings.TrimSpace(qr.Record)
	enrollid, err := strconv.Atoi(code)
	if err != nil || enrollid <= 0 {
		s.Enqueue(protocol.SendQRCodeResult(false, 0, ``, `Invalid QR code format`))
		return
	}

	user, err := h.Store.GetUserByEnroll(s.TerminalID, enrollid)
	if errors.Is(err, storage.ErrNotFound) {
		common.Info(s.SN, `QR_SCAN`, `deny`, `unknown user`, map[string]any{`enrollid`: enrollid})
		s.Enqueue(protocol.SendQRCodeResult(false, enrollid, ``, `User not found`))
		return
	}
	if err != nil {
		common.Error(s.SN, `QR_SCAN`, `fail`, err.Error(), nil)
		s.Enqueue(protocol.SendQRCodeResult(false, enrollid, ``, `User not found`))
		return
	}

	now := time.Now().UTC()
	if msg := denyReason(user, now); len(msg) > 0 {
		common.Info(s.SN, `QR_SCAN`, `deny`, msg, map[string]any{`enrollid`: enrollid})
		s.Enqueue(protocol.SendQRCodeResult(false, enrollid, user.Name, msg))
		return
	}

	common.Info(s.SN, `QR_SCAN`, `ok`, ``, map[string]any{`enrollid`: enrollid})
	s.Enqueue(protocol.SendQRCodeResult(true, enrollid, user.Name, `Access granted`))
}

// onResponse resolves a terminal acknowledgement against the pending
// command context and the offline queue.
func (h *Handler) onResponse(s *session.Session, resp *modules.Response) {
	if len(s.SN) == 0 {
		common.Warn(nil, `COMMAND_ACK`, `fail`, `response before registration`, map[string]any{`verb`: resp.Ret})
		return
	}

	if resp.Ret == protocol.VerbSetUserName {
		// the parked context decides which rows this ack covers
		ids, ok := h.Registry.Pending.Take(s.SN, resp.Ret)
		if !ok {
			common.Error(s.SN, `COMMAND_ACK`, `fail`, `no pending context`, map[string]any{`verb`: resp.Ret})
		} else if resp.Result {
			now := time.Now().UTC()
			if err := h.Store.MarkUsersSynced(ids, now); err != nil {
				common.Error(s.SN, `COMMAND_ACK`, `fail`, err.Error(), nil)
			} else {
				h.Bus.Publish(core.EventUserSynced, map[string]any{`sn`: s.SN, `count`: len(ids)})
			}
		} else {
			h.Store.MarkUsersError(ids)
		}
	}

	if err := h.Store.CompleteCommand(s.TerminalID, resp.Ret, resp.Result); err != nil {
		common.Warn(s.SN, `COMMAND_ACK`, `fail`, err.Error(), nil)
	}
	if resp.Result {
		h.Metrics.IncrCommandOK()
	} else {
		h.Metrics.IncrCommandFailed()
	}
	h.Bus.Publish(core.EventCommandResponse, map[string]any{
		`sn`:     s.SN,
		`verb`:   resp.Ret,
		`result`: resp.Result,
	})
	common.Info(s.SN, `COMMAND_ACK`, utils.If(resp.Result, `ok`, `fail`), ``, map[string]any{`verb`: resp.Ret})
}
