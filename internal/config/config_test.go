package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"waitnotify/internal/calendar"
	"waitnotify/internal/queue"
	"waitnotify/internal/storage"
	logx "waitnotify/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  interval: 30s
  dispatch_delay: 0s
business:
  timezone: America/Sao_Paulo
  weekday: {start: "08:00", end: "18:00"}
  saturday: {start: "08:00", end: "12:00"}
  holidays: ["2026-12-25"]
thresholds:
  min_wait_minutes: 20
  max_wait_minutes: 60
channels:
  - id: wa-1
    priority: 1
    department_tags: [cardio]
  - id: wa-2
    priority: 2
    active: false
templates:
  wait: custom_wait
storage:
  driver: memory
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Scheduler.Interval != "30s" || len(cfg.Channels) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Channels[1].Active == nil || *cfg.Channels[1].Active {
		t.Fatalf("active=false not decoded")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	if _, err := Decode("config.yaml", []byte("schedulr:\n  interval: 1m\n")); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode("config.json", []byte(`{"logging":{}} {"logging":{}}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("config.yml", nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(cfg.Channels) != 0 {
		t.Fatalf("expected empty config")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Scheduler: SchedulerConfig{Interval: "soon"},
		Storage:   StorageConfig{Driver: "postgres"},
		Channels:  []ChannelConfig{{ID: "a"}, {ID: "a"}, {ID: " "}},
		Business:  BusinessConfig{Holidays: []string{"25/12/2026"}},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"scheduler.interval", "storage.driver", "duplicate id", "id is required", "business.holidays"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}
}

func TestSystemConfigMapping(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	sc, problems := cfg.SystemConfig()
	if len(problems) != 0 {
		t.Fatalf("problems: %v", problems)
	}
	if sc.MinWaitMinutes != 20 || sc.MaxWaitMinutes != 60 {
		t.Fatalf("thresholds: %+v", sc)
	}
	if sc.Weekday != (calendar.Window{Start: 8 * 60, End: 18 * 60}) {
		t.Fatalf("weekday: %+v", sc.Weekday)
	}
	if sc.Saturday.End != 12*60 {
		t.Fatalf("saturday: %+v", sc.Saturday)
	}
	if sc.Template(queue.KindWait) != "custom_wait" {
		t.Fatalf("template: %q", sc.Template(queue.KindWait))
	}
	if sc.Location == nil {
		t.Fatalf("location not set")
	}
}

func TestEndOfDayToleranceZeroIsKept(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte("thresholds:\n  end_of_day_tolerance_minutes: 0\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	sc, _ := cfg.SystemConfig()
	norm, problems := sc.Normalize()
	if len(problems) != 0 || norm.EndOfDayTolerance() != 0 {
		t.Fatalf("tolerance=%d problems=%v", norm.EndOfDayTolerance(), problems)
	}

	unset, _ := (&Config{}).SystemConfig()
	if got := unset.EndOfDayTolerance(); got != queue.DefaultEndOfDayToleranceMinutes {
		t.Fatalf("unset tolerance=%d", got)
	}
}

func TestSystemConfigReportsBadValues(t *testing.T) {
	cfg := &Config{
		Business: BusinessConfig{
			Timezone:    "Mars/Olympus",
			Weekday:     WindowConfig{Start: "8h", End: "18:00"},
			WorkingDays: []string{"monday", "someday"},
		},
		Templates: map[string]string{"reminder": "x"},
	}
	sc, problems := cfg.SystemConfig()
	if len(problems) != 4 {
		t.Fatalf("problems = %v, want 4", problems)
	}
	if sc.Location == nil {
		t.Fatalf("location should fall back")
	}
	if len(sc.WorkingDays) != 1 || sc.WorkingDays[0] != time.Monday {
		t.Fatalf("working days: %v", sc.WorkingDays)
	}
	if sc.Weekday != (calendar.Window{}) {
		t.Fatalf("bad window should be left for defaults: %+v", sc.Weekday)
	}
}

func TestChannelDefinitions(t *testing.T) {
	t.Setenv("WA3_TOKEN", "s3cret")
	f := false
	cfg := &Config{Channels: []ChannelConfig{
		{ID: " wa-1 ", Priority: 1},
		{ID: "wa-2", Active: &f},
		{ID: "wa-3", Credential: "inline", CredentialEnv: "WA3_TOKEN"},
	}}
	defs := cfg.ChannelDefinitions()
	if defs[0].ID != "wa-1" || !defs[0].Active {
		t.Fatalf("first: %+v", defs[0])
	}
	if defs[1].Active {
		t.Fatalf("second should be inactive")
	}
	if defs[2].Credential != "s3cret" {
		t.Fatalf("credential from env not applied: %q", defs[2].Credential)
	}
}

func TestDispatchOptions(t *testing.T) {
	cfg := &Config{}
	opt := cfg.DispatchOptions()
	if opt.Interval != time.Minute || opt.DispatchDelay != 2*time.Second || opt.DispatchTimeout != 15*time.Second {
		t.Fatalf("defaults: %+v", opt)
	}
	cfg.Scheduler = SchedulerConfig{Interval: "30s", DispatchDelay: "0s"}
	cfg.Balancer.MaxFallbackAttempts = 1
	opt = cfg.DispatchOptions()
	if opt.Interval != 30*time.Second || opt.DispatchDelay != 0 || opt.MaxFallbacks != 1 {
		t.Fatalf("explicit: %+v", opt)
	}
}

func TestRetentionDefaults(t *testing.T) {
	schedule, history, tags := (&Config{}).Retention()
	if schedule != DefaultHousekeepingSchedule || history != DefaultHistoryRetention || tags != DefaultTagRetention {
		t.Fatalf("got %q %s %s", schedule, history, tags)
	}
}

func TestStorageDefaultsToDurableSQLite(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Decode("config.yaml", []byte("storage:\n  path: "+filepath.Join(dir, "w.db")+"\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	sc := cfg.StorageConfig()
	if sc.Driver != "sqlite" {
		t.Fatalf("driver=%q", sc.Driver)
	}

	ctx := context.Background()
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	st, err := storage.Open(sc, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ok, err := st.ReserveTag(ctx, "k", queue.KindWait, now); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	if err := st.ConfirmTag(ctx, "k", queue.KindWait, true, now); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = storage.Open(sc, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if ok, err := st.ReserveTag(ctx, "k", queue.KindWait, now.Add(time.Hour)); err != nil || ok {
		t.Fatalf("sent tag lost across restart: ok=%v err=%v", ok, err)
	}
}

func TestVolatileStorage(t *testing.T) {
	cases := []struct {
		storage, gateway string
		want             bool
	}{
		{"", "http", false},
		{"memory", "", false},
		{"memory", "dryrun", false},
		{"memory", "http", true},
		{"Memory", "amqp", true},
	}
	for _, tc := range cases {
		cfg := &Config{}
		cfg.Storage.Driver = tc.storage
		cfg.Gateway.Driver = tc.gateway
		if got := cfg.VolatileStorage(); got != tc.want {
			t.Errorf("storage=%q gateway=%q: got %v", tc.storage, tc.gateway, got)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("WAITNOTIFY_GATEWAY_TOKEN", "tok")
	t.Setenv("WAITNOTIFY_DRY_RUN", "true")
	t.Setenv("WAITNOTIFY_SOURCE_URL", "")
	cfg := &Config{
		Gateway: GatewayConfig{Driver: "http", Token: "file-token"},
		Source:  SourceConfig{URL: "http://queue"},
	}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Gateway.Token != "tok" || cfg.Gateway.Driver != "dryrun" {
		t.Fatalf("gateway: %+v", cfg.Gateway)
	}
	if cfg.Source.URL != "http://queue" {
		t.Fatalf("empty env should not override: %q", cfg.Source.URL)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{
		Gateway:  GatewayConfig{Driver: "http", Token: "old-secret"},
		Channels: []ChannelConfig{{ID: "a"}, {ID: "b", Priority: 1}},
	}
	newCfg := &Config{
		Gateway:  GatewayConfig{Driver: "http", Token: "new-secret"},
		Channels: []ChannelConfig{{ID: "b", Priority: 2}, {ID: "c"}},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "channels,gateway" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if got := RequiresRestart(changed); len(got) != 1 || got[0] != "gateway" {
		t.Fatalf("restart = %v", got)
	}
	added, removed, modified := diffChannels(oldCfg.Channels, newCfg.Channels)
	if len(added) != 1 || added[0] != "c" || len(removed) != 1 || removed[0] != "a" || len(modified) != 1 || modified[0] != "b" {
		t.Fatalf("diff = %v %v %v", added, removed, modified)
	}
}

func TestManagerReload(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	m.SetEnvOverrides(nil)
	ctx := context.Background()

	if _, err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(ctx)
	if err != nil || published {
		t.Fatalf("unchanged reload: published=%v err=%v", published, err)
	}

	if err := os.WriteFile(path, []byte(strings.Replace(sampleYAML, "interval: 30s", "interval: 45s", 1)), 0o644); err != nil {
		t.Fatal(err)
	}
	published, err = m.Reload(ctx)
	if err != nil || !published {
		t.Fatalf("changed reload: published=%v err=%v", published, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Scheduler.Interval != "45s" {
			t.Fatalf("published interval %q", cfg.Scheduler.Interval)
		}
	default:
		t.Fatalf("no config published")
	}

	if err := os.WriteFile(path, []byte("storage:\n  driver: postgres\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); err == nil {
		t.Fatalf("invalid config should be rejected")
	}
	if m.Get().Scheduler.Interval != "45s" {
		t.Fatalf("rejected config was committed")
	}
}

func TestManagerPublishKeepsLatest(t *testing.T) {
	m := NewManager("unused.yaml")
	sub := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-sub; got != second {
		t.Fatalf("slow subscriber should receive the newest config")
	}
}

func TestManagerWatchPublishesChange(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	m.SetEnvOverrides(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// give the watcher a moment to register
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(strings.Replace(sampleYAML, "level: debug", "level: warn", 1)), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch did not publish")
	}
	cancel()
	<-done
}

func TestParseDurationField(t *testing.T) {
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: " 90s ", want: 90 * time.Second},
		{raw: "7d", want: 7 * 24 * time.Hour},
		{raw: "1.5d", wantErr: true},
		{raw: "-1d", wantErr: true},
		{raw: "-5m", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("x", tc.raw)
		if (err != nil) != tc.wantErr || (!tc.wantErr && got != tc.want) {
			t.Errorf("ParseDurationField(%q) = %s, %v", tc.raw, got, err)
		}
	}
	if got := durationOr("x", "bogus", time.Minute); got != time.Minute {
		t.Fatalf("durationOr(bogus) = %s", got)
	}
	if got := durationOr("x", "0s", time.Minute); got != time.Minute {
		t.Fatalf("durationOr(0s) = %s", got)
	}
}
