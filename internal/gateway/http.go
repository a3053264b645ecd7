package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"waitnotify/internal/channels"
	logx "waitnotify/pkg/logx"

	"github.com/go-resty/resty/v2"
)

// HTTPConfig configures the HTTP driver.
type HTTPConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// HTTPGateway posts messages to a vendor REST endpoint:
//
//	POST {url}/channels/{id}/messages
//	GET  {url}/channels/{id}/status
type HTTPGateway struct {
	client *resty.Client
	log    logx.Logger
}

type sendRequest struct {
	ChannelID string  `json:"channel_id"`
	Message   Message `json:"message"`
}

type sendResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) (*HTTPGateway, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: http url is empty", ErrNotConfigured)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &HTTPGateway{client: c, log: log}, nil
}

func (g *HTTPGateway) Send(ctx context.Context, ch channels.Definition, msg Message) (Outcome, error) {
	var out sendResponse
	req := g.client.R().
		SetContext(ctx).
		SetPathParam("id", ch.ID).
		SetHeader("Idempotency-Key", msg.ID).
		SetBody(sendRequest{ChannelID: ch.ID, Message: msg}).
		SetResult(&out)
	if ch.Credential != "" {
		req.SetHeader("X-Channel-Credential", ch.Credential)
	}

	resp, err := req.Post("/channels/{id}/messages")
	if err != nil {
		return Outcome{}, fmt.Errorf("send via %s: %w", ch.ID, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return Outcome{ProviderResponse: resp.String()}, fmt.Errorf("send via %s: %w", ch.ID, err)
	}
	return Outcome{Success: true, ProviderID: out.ID, ProviderResponse: out.Status}, nil
}

func (g *HTTPGateway) TestConnectivity(ctx context.Context, ch channels.Definition) bool {
	req := g.client.R().SetContext(ctx).SetPathParam("id", ch.ID)
	if ch.Credential != "" {
		req.SetHeader("X-Channel-Credential", ch.Credential)
	}
	resp, err := req.Get("/channels/{id}/status")
	if err != nil {
		g.log.Debug("connectivity check failed", logx.String("channel", ch.ID), logx.Err(err))
		return false
	}
	return resp.IsSuccess()
}

func (g *HTTPGateway) Close() error { return nil }

// classifyStatus maps an HTTP status to nil, a transient or a permanent error.
func classifyStatus(code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return fmt.Errorf("provider status %d: %s", code, truncate(body, 200))
	default:
		return Permanent(fmt.Errorf("provider status %d: %s", code, truncate(body, 200)))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
