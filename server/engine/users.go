package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nkayisi/tm20-terminal/modules"
	"github.com/nkayisi/tm20-terminal/server/common"
	"github.com/nkayisi/tm20-terminal/server/config"
	"github.com/nkayisi/tm20-terminal/server/core"
	"github.com/nkayisi/tm20-terminal/server/protocol"
	"github.com/nkayisi/tm20-terminal/server/session"
	"github.com/nkayisi/tm20-terminal/server/storage"
)

// UserEngine pulls personnel from the third-party systems into the
// local user table and pushes name updates down to the terminals.
type UserEngine struct {
	store    *storage.Store
	registry *session.Registry
	bus      *core.Bus

	newAdapter func(cfg *storage.ThirdPartyConfig) *Adapter
}

func NewUserEngine(store *storage.Store, registry *session.Registry, bus *core.Bus) *UserEngine {
	return &UserEngine{
		store:      store,
		registry:   registry,
		bus:        bus,
		newAdapter: NewAdapter,
	}
}

// PullResult summarises one pull cycle for the ops API.
type PullResult struct {
	Fetched int `json:"fetched"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// PullUsers fetches the remote user list for one (terminal, config)
// mapping and upserts each entry by external id. Users created here
// are queued for a push to the terminal.
func (e *UserEngine) PullUsers(ctx context.Context, cfg *storage.ThirdPartyConfig, terminal *storage.Terminal) (*PullResult, error) {
	adapter := e.newAdapter(cfg)
	entries, err := adapter.FetchUsers(ctx, nil)
	if err != nil {
		return nil, err
	}

	result := &PullResult{Fetched: len(entries)}
	for _, entry := range entries {
		externalID := firstString(entry, `id`, `external_id`, `user_id`, `employee_id`, `enrollid`)
		name := firstString(entry, `fullname`, `full_name`, `name`, `display_name`)
		if len(externalID) == 0 {
			result.Skipped++
			continue
		}
		created, err := e.upsertExternal(terminal.ID, cfg.ID, externalID, name, entry)
		if err != nil {
			common.Warn(terminal.SN, `USER_PULL`, `fail`, err.Error(), map[string]any{`external_id`: externalID})
			result.Skipped++
			continue
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}

	now := time.Now().UTC()
	e.store.TouchUserSync(terminal.ID, cfg.ID, now)
	common.Info(terminal.SN, `USER_PULL`, `ok`, ``, map[string]any{
		`config`:  cfg.Name,
		`fetched`: result.Fetched,
		`created`: result.Created,
		`updated`: result.Updated,
		`skipped`: result.Skipped,
	})
	return result, nil
}

// upsertExternal applies one remote entry. New users take the lowest
// free enrollid; a lost race on the unique index is retried once with
// a fresh id.
func (e *UserEngine) upsertExternal(terminalID, configID int64, externalID, name string, entry map[string]any) (bool, error) {
	existing, err := e.store.GetUserByExternal(terminalID, externalID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	start, end := parseValidity(entry)

	if existing != nil {
		changed := existing.Name != name
		existing.Name = name
		existing.StartTime = start
		existing.EndTime = end
		existing.SourceConfigID = &configID
		if changed {
			existing.SyncStatus = storage.UserPendingSync
		}
		if err = e.store.UpdateUser(existing); err != nil {
			return false, err
		}
		if changed {
			e.bus.Publish(core.EventUserSynced, map[string]any{
				`terminal_id`: terminalID,
				`external_id`: externalID,
			})
		}
		return false, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		enrollid, err := e.store.NextEnrollID(terminalID)
		if err != nil {
			return false, err
		}
		u := &storage.BiometricUser{
			TerminalID:     terminalID,
			EnrollID:       enrollid,
			Name:           name,
			IsEnabled:      true,
			StartTime:      start,
			EndTime:        end,
			ExternalID:     externalID,
			SourceConfigID: &configID,
			SyncStatus:     storage.UserPendingSync,
		}
		err = e.store.CreateUser(u)
		if err == nil {
			e.bus.Publish(core.EventUserCreated, map[string]any{
				`terminal_id`: terminalID,
				`enrollid`:    enrollid,
				`external_id`: externalID,
			})
			return true, nil
		}
		if attempt == 0 && strings.Contains(err.Error(), `UNIQUE`) {
			continue
		}
		return false, err
	}
	return false, fmt.Errorf(`engine: enrollid contention for %s`, externalID)
}

// PullAll runs PullUsers for every active (terminal, config) mapping
// with user sync enabled.
func (e *UserEngine) PullAll(ctx context.Context) {
	configs, err := e.store.ActiveConfigs()
	if err != nil {
		common.Error(nil, `USER_PULL`, `fail`, err.Error(), nil)
		return
	}
	for _, cfg := range configs {
		mappings, err := e.store.MappingsForConfig(cfg.ID)
		if err != nil {
			common.Warn(nil, `USER_PULL`, `fail`, err.Error(), map[string]any{`config`: cfg.Name})
			continue
		}
		for _, m := range mappings {
			if !m.SyncUsers {
				continue
			}
			terminal, err := e.store.GetTerminalByID(m.TerminalID)
			if err != nil {
				continue
			}
			if _, err = e.PullUsers(ctx, cfg, terminal); err != nil {
				common.Warn(terminal.SN, `USER_PULL`, `fail`, err.Error(), map[string]any{`config`: cfg.Name})
			}
		}
	}
}

// PushUsers sends every pending user name of a terminal in one
// setusername command. The affected ids are parked as the pending
// context for the terminal's acknowledgement; users stay pending until
// the ack arrives.
func (e *UserEngine) PushUsers(terminal *storage.Terminal) (int, error) {
	users, err := e.store.UsersPendingSync(terminal.ID)
	if err != nil {
		return 0, err
	}
	if len(users) == 0 {
		return 0, nil
	}

	names := make([]modules.UserName, 0, len(users))
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		names = append(names, modules.UserName{EnrollID: u.EnrollID, Name: u.Name})
		ids = append(ids, u.ID)
	}

	// context first, so the ack cannot race the send
	e.registry.Pending.Put(terminal.SN, protocol.VerbSetUserName, ids, config.Config.ConnectionTimeout)
	payload := protocol.CmdSetUserName(names)
	if !e.registry.SendToDevice(terminal.SN, payload, config.Config.SendTimeout) {
		e.registry.Pending.Take(terminal.SN, protocol.VerbSetUserName)
		return 0, fmt.Errorf(`engine: terminal %s unreachable`, terminal.SN)
	}
	common.Info(terminal.SN, `USER_PUSH`, `ok`, ``, map[string]any{`count`: len(ids)})
	return len(ids), nil
}

// firstString returns the first present key rendered as a string.
// Remote systems disagree on field names and on whether ids are
// numbers.
func firstString(entry map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := entry[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if len(t) > 0 {
				return t
			}
		case float64:
			if t == float64(int64(t)) {
				return fmt.Sprintf(`%d`, int64(t))
			}
			return fmt.Sprintf(`%v`, t)
		}
	}
	return ``
}

var validityLayouts = []string{time.RFC3339, `2006-01-02 15:04:05`, `2006-01-02`}

// parseValidity picks up optional start/end validity dates from a
// remote entry.
func parseValidity(entry map[string]any) (*time.Time, *time.Time) {
	parse := func(keys ...string) *time.Time {
		raw := firstString(entry, keys...)
		if len(raw) == 0 {
			return nil
		}
		for _, layout := range validityLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				t = t.UTC()
				return &t
			}
		}
		return nil
	}
	return parse(`start_date`, `starttime`, `start_time`, `valid_from`), parse(`end_date`, `endtime`, `end_time`, `valid_until`)
}
