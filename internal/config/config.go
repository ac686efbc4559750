package config

import "time"

// Config is the root configuration for huddle.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Storage    StorageConfig    `json:"storage"`
	Sessions   SessionsConfig   `json:"sessions"`
	Commands   CommandsConfig   `json:"commands"`
	Tasks      TasksConfig      `json:"tasks"`
	Directory  DirectoryConfig  `json:"directory"`
	Notify     NotifyConfig     `json:"notify"`
	Compaction CompactionConfig `json:"compaction"`
	Events     EventsConfig     `json:"events"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StorageConfig selects where the operation log lives.
type StorageConfig struct {
	Driver string `json:"driver"` // "file" (default), "sqlite", "memory"
	Dir    string `json:"dir"`    // file driver root (default: $HUDDLE_PATH/documents)
	DSN    string `json:"dsn"`    // sqlite data source (default: $HUDDLE_PATH/huddle.db)
}

// SessionsConfig tunes the session coordinator.
type SessionsConfig struct {
	SnapshotThreshold int64    `json:"snapshot_threshold"`
	HeartbeatGrace    Duration `json:"heartbeat_grace"`
	ReapInterval      Duration `json:"reap_interval"`
	SendBuffer        int      `json:"send_buffer"`
	SendTimeout       Duration `json:"send_timeout"`
}

// CommandsConfig configures inline task commands.
type CommandsConfig struct {
	Enabled *bool    `json:"enabled,omitempty"` // default true
	Timeout Duration `json:"timeout"`
}

// On reports whether commands are enabled.
func (c CommandsConfig) On() bool {
	return c.Enabled == nil || *c.Enabled
}

// TasksConfig selects the task collaborator.
type TasksConfig struct {
	Driver  string `json:"driver"` // "file" (default, served under /api/tasks), "http", "none"
	Dir     string `json:"dir"`    // file driver root (default: $HUDDLE_PATH/tasks)
	BaseURL string `json:"base_url,omitempty"`
	Token   string `json:"token,omitempty"` // may be ENC[age:...] or ${{ .Env.VAR }}
}

// DirectoryConfig points at the users/teams YAML file. Empty means open
// mode: every participant may use every document.
type DirectoryConfig struct {
	Path string `json:"path"`
}

// NotifyConfig enables cross-instance change hints.
type NotifyConfig struct {
	RedisURL string `json:"redis_url,omitempty"` // empty disables hints
	Channel  string `json:"channel,omitempty"`
}

// CompactionConfig schedules snapshot compaction.
type CompactionConfig struct {
	Schedule      string `json:"schedule"` // cron expression, empty disables
	MinOperations int64  `json:"min_operations"`
}

// EventsConfig holds event bus and audit settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogLevel   string `json:"log_level"`
	AuditDir   string `json:"audit_dir"` // default: $HUDDLE_PATH/audit; "-" disables
}

// Secrets returns the fields that may hold ENC[age:...] values.
func (c *Config) Secrets() []*string {
	return []*string{&c.Tasks.Token, &c.Notify.RedisURL, &c.Storage.DSN}
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
