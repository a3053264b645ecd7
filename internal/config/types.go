package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are strings accepted by time.ParseDuration ("90s", "10m").
// Omitted values fall back to documented defaults when resolved.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Business     BusinessConfig     `json:"business"`
	Thresholds   ThresholdsConfig   `json:"thresholds"`
	Flows        FlowsConfig        `json:"flows"`
	Exclusions   ExclusionsConfig   `json:"exclusions"`
	Templates    map[string]string  `json:"templates,omitempty"`
	Channels     []ChannelConfig    `json:"channels"`
	Balancer     BalancerConfig     `json:"balancer"`
	Reservations ReservationsConfig `json:"reservations"`
	Storage      StorageConfig      `json:"storage"`
	Source       SourceConfig       `json:"source"`
	Gateway      GatewayConfig      `json:"gateway"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type SchedulerConfig struct {
	Interval        string `json:"interval"`
	DispatchDelay   string `json:"dispatch_delay"`
	DispatchTimeout string `json:"dispatch_timeout"`
	// Paused starts the loop paused.
	Paused bool `json:"paused"`
}

type WindowConfig struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`
}

type BusinessConfig struct {
	Timezone    string       `json:"timezone"`
	Weekday     WindowConfig `json:"weekday"`
	Saturday    WindowConfig `json:"saturday"`
	WorkingDays []string     `json:"working_days,omitempty"`
	Holidays    []string     `json:"holidays,omitempty"` // YYYY-MM-DD
}

type ThresholdsConfig struct {
	MinWaitMinutes int `json:"min_wait_minutes"`
	MaxWaitMinutes int `json:"max_wait_minutes"`
	// nil falls back to the default; an explicit 0 is kept.
	EndOfDayToleranceMinutes *int `json:"end_of_day_tolerance_minutes,omitempty"`
}

type FlowsConfig struct {
	WaitPaused     bool `json:"wait_paused"`
	EndOfDayPaused bool `json:"end_of_day_paused"`
}

type ExclusionsConfig struct {
	Sectors  []string `json:"sectors,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

type ChannelConfig struct {
	ID             string   `json:"id"`
	DisplayName    string   `json:"display_name,omitempty"`
	Priority       int      `json:"priority"`
	Active         *bool    `json:"active,omitempty"` // default true
	DepartmentTags []string `json:"department_tags,omitempty"`
	Credential     string   `json:"credential,omitempty"`
	// CredentialEnv names an environment variable holding the credential.
	CredentialEnv string `json:"credential_env,omitempty"`
}

type BalancerConfig struct {
	ConversationTTL     string `json:"conversation_ttl"`
	MaxFallbackAttempts int    `json:"max_fallback_attempts"`
}

type ReservationsConfig struct {
	RetryAfter  string `json:"retry_after"`
	MaxAttempts int    `json:"max_attempts"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // memory | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type SourceConfig struct {
	Driver  string `json:"driver"` // http | file
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	Path    string `json:"path,omitempty"`
}

type GatewayConfig struct {
	Driver        string `json:"driver"` // http | amqp | dryrun
	URL           string `json:"url,omitempty"`
	Token         string `json:"token,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	Exchange      string `json:"exchange,omitempty"`
	RoutingPrefix string `json:"routing_prefix,omitempty"`
}

type HousekeepingConfig struct {
	// Schedule accepts cron ("0 3 * * *"), "@every 1h" or "HH:MM".
	Schedule         string `json:"schedule"`
	HistoryRetention string `json:"history_retention"`
	TagRetention     string `json:"tag_retention"`
}
