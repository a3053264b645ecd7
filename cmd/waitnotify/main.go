package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"waitnotify/internal/app"
	"waitnotify/internal/config"
	logx "waitnotify/pkg/logx"
	"waitnotify/pkg/systemd"
)

func main() {
	var (
		cfgPath string
		envPath string
		check   bool
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file with WAITNOTIFY_* overrides")
	flag.BoolVar(&check, "check", false, "validate the config and exit")
	flag.BoolVar(&once, "once", false, "run a single dispatch cycle and exit")
	flag.Parse()

	// Used until the config's logging section takes over.
	boot := logx.NewConsole(os.Getenv(config.EnvPrefix + "LOG_LEVEL"))

	if err := config.LoadDotEnv(envPath); err != nil {
		boot.Error("load env file", logx.String("path", envPath), logx.Err(err))
		os.Exit(1)
	}
	if check {
		os.Exit(runCheck(boot, cfgPath))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath, app.WithNotifier(systemd.NewNotifier()))
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	if once {
		rep, err := a.Dispatcher().ForceCycle(ctx)
		_ = a.Stop(context.Background(), app.StopAppStop)
		_ = json.NewEncoder(os.Stdout).Encode(rep)
		if err != nil {
			boot.Error("cycle failed", logx.Err(err))
			os.Exit(1)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		boot.Error("stopped on fatal error", logx.Err(err))
		os.Exit(1)
	}
}

func runCheck(log logx.Logger, path string) int {
	m := config.NewManager(path)
	cfg, err := m.Load(context.Background())
	if err != nil {
		log.Error("invalid config", logx.String("path", path), logx.Err(err))
		return 1
	}
	_, problems := cfg.SystemConfig()
	for _, p := range problems {
		log.Warn("setting replaced with default", logx.String("problem", p))
	}
	if cfg.VolatileStorage() {
		log.Warn("memory storage with a live gateway loses sent tags on restart")
	}
	fmt.Printf("config ok: %d channel(s)\n", len(cfg.Channels))
	return 0
}
