package app

import (
	"context"
	"encoding/json"
	"time"

	"waitnotify/internal/eventbus"
	"waitnotify/internal/storage"
	logx "waitnotify/pkg/logx"
)

// auditLoop persists bus events to the store's audit log.
func (a *App) auditLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			err := a.store.AppendAudit(wctx, entry)
			cancel()
			if err != nil {
				a.log.Debug("audit append failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	entry := storage.AuditEntry{At: e.Time}
	switch d := e.Data.(type) {
	case eventbus.Dispatch:
		entry.CycleID = d.CycleID
		entry.EntityKey = d.EntityKey
		entry.Kind = d.Kind
		entry.ChannelID = d.ChannelID
		entry.Action = d.Action
		entry.OK = d.OK
		entry.Error = d.Err
		entry.TookMS = d.Took.Milliseconds()
	case eventbus.Cycle:
		entry.CycleID = d.CycleID
		entry.Action = e.Type
		entry.OK = d.Err == ""
		entry.Error = d.Err
		entry.TookMS = d.Took.Milliseconds()
		entry.MetaJSON = meta(map[string]int{"sent": d.Sent, "failed": d.Failed})
	case eventbus.Housekeeping:
		entry.Action = e.Type
		entry.OK = d.Err == ""
		entry.Error = d.Err
		entry.TookMS = d.Took.Milliseconds()
		entry.MetaJSON = meta(map[string]int{"history": d.History, "tags": d.Tags})
	case ConfigReloaded:
		entry.Action = e.Type
		entry.OK = true
		entry.MetaJSON = meta(d)
	case string:
		if e.Type != eventbus.TypeEntityRemoved {
			return entry, false
		}
		entry.EntityKey = d
		entry.Action = e.Type
		entry.OK = true
	default:
		return entry, false
	}
	return entry, true
}

func meta(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
