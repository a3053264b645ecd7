package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"waitnotify/internal/queue"
	logx "waitnotify/pkg/logx"

	"github.com/go-resty/resty/v2"
)

// HTTPConfig configures the HTTP source.
type HTTPConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// HTTPSource polls a vendor endpoint returning the waiting list as JSON.
type HTTPSource struct {
	client *resty.Client
	url    string
	log    logx.Logger
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) (*HTTPSource, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: http url is empty", ErrNotConfigured)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &HTTPSource{client: c, url: cfg.URL, log: log}, nil
}

func (s *HTTPSource) ListWaitingEntities(ctx context.Context) ([]queue.WaitingEntity, error) {
	resp, err := s.client.R().SetContext(ctx).Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("fetch snapshot: status %d", resp.StatusCode())
	}
	out, err := decodeList(resp.Body())
	if err != nil {
		return nil, err
	}
	s.log.Debug("snapshot fetched", logx.Int("entities", len(out)))
	return out, nil
}
