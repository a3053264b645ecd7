package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every override variable.
const EnvPrefix = "WAITNOTIFY_"

// Overrides are read from WAITNOTIFY_* variables so secrets and
// deployment paths can stay out of the config file. Empty values leave the
// file's value untouched.
type Overrides struct {
	LogLevel     string `env:"LOG_LEVEL"`
	Timezone     string `env:"TIMEZONE"`
	StorageDSN   string `env:"STORAGE_PATH"`
	SourceURL    string `env:"SOURCE_URL"`
	SourceToken  string `env:"SOURCE_TOKEN"`
	SourcePath   string `env:"SOURCE_PATH"`
	GatewayURL   string `env:"GATEWAY_URL"`
	GatewayToken string `env:"GATEWAY_TOKEN"`
	// DryRun forces the dry-run gateway regardless of the file.
	DryRun bool `env:"DRY_RUN"`
}

// LoadDotEnv loads .env files into the process environment. Missing
// files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func ReadOverrides() (Overrides, error) {
	var o Overrides
	err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix})
	return o, err
}

// ApplyEnv merges environment overrides into cfg.
func ApplyEnv(cfg *Config) error {
	o, err := ReadOverrides()
	if err != nil {
		return err
	}
	o.Apply(cfg)
	return nil
}

func (o Overrides) Apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Business.Timezone, o.Timezone)
	set(&cfg.Storage.Path, o.StorageDSN)
	set(&cfg.Source.URL, o.SourceURL)
	set(&cfg.Source.Token, o.SourceToken)
	set(&cfg.Source.Path, o.SourcePath)
	set(&cfg.Gateway.URL, o.GatewayURL)
	set(&cfg.Gateway.Token, o.GatewayToken)
	if o.DryRun {
		cfg.Gateway.Driver = "dryrun"
	}
}
