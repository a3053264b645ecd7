// Package snapshot fetches the current waiting queue from upstream.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"waitnotify/internal/queue"
	logx "waitnotify/pkg/logx"
)

var ErrNotConfigured = errors.New("snapshot source not configured")

// Source lists the entities currently waiting. Absence of a previously
// seen entity means its wait ended.
type Source interface {
	ListWaitingEntities(ctx context.Context) ([]queue.WaitingEntity, error)
}

// Config selects and configures a driver.
type Config struct {
	Driver string // http | file
	HTTP   HTTPConfig
	Path   string
}

func Open(cfg Config, log logx.Logger) (Source, error) {
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "http":
		s, err := NewHTTP(cfg.HTTP, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "", "file":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("%w: file path is empty", ErrNotConfigured)
		}
		return NewFile(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown snapshot driver: %s", d)
	}
}

// listPayload accepts either a bare array or {"entities": [...]}.
type listPayload struct {
	Entities []queue.WaitingEntity `json:"entities"`
}

func decodeList(b []byte) ([]queue.WaitingEntity, error) {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var out []queue.WaitingEntity
		if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		return out, nil
	}
	var p listPayload
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return p.Entities, nil
}
