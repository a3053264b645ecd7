package gateway

import (
	"fmt"
	"strings"

	logx "waitnotify/pkg/logx"
)

// Config selects and configures a driver.
type Config struct {
	Driver string // http | amqp | dryrun
	HTTP   HTTPConfig
	AMQP   AMQPConfig
}

func Open(cfg Config, log logx.Logger) (Gateway, error) {
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "dryrun", "dry-run":
		return NewDryRun(log), nil
	case "http":
		g, err := NewHTTP(cfg.HTTP, log)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "amqp":
		g, err := NewAMQP(cfg.AMQP, log)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown gateway driver: %s", d)
	}
}
