package config

import "time"

// Config defines the application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Export    ExportConfig    `mapstructure:"export"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// LoggerConfig controls log level and output format.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig selects the SQL driver and its connection settings.
// Driver "sqlite" uses modernc.org/sqlite, "pgx" uses PostgreSQL through pgx.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"            validate:"required,oneof=sqlite pgx"`
	DSN             string        `mapstructure:"dsn"               validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"min=0"`
}

// RedisConfig configures the presence backend. When disabled, presence is
// kept in process memory.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"       validate:"required_if=Enabled true"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"         validate:"min=0"`
	KeyPrefix string `mapstructure:"key_prefix" validate:"required"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"                validate:"required"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"min=1s"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"    validate:"min=1s"`
	// WriteTimeout bounds each frame written to a stream connection.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=100ms"`
}

// ChatConfig configures submission and history behavior.
type ChatConfig struct {
	MaxBodyBytes        int           `mapstructure:"max_body_bytes"        validate:"min=1"`
	SubmitRetries       int           `mapstructure:"submit_retries"        validate:"min=0,max=10"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"         validate:"min=0"`
	HistoryDefaultLimit int           `mapstructure:"history_default_limit" validate:"min=1,max=100"`
}

// StreamConfig configures per-connection buffering and backpressure.
type StreamConfig struct {
	BufferSize        int           `mapstructure:"buffer_size"        validate:"min=1"`
	MaxStrikes        int           `mapstructure:"max_strikes"        validate:"min=1"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" validate:"min=1s"`
	ReplayPageSize    int           `mapstructure:"replay_page_size"   validate:"min=1,max=1000"`
	InboundRate       float64       `mapstructure:"inbound_rate"       validate:"gt=0"`
	InboundBurst      int           `mapstructure:"inbound_burst"      validate:"min=1"`
}

// PresenceConfig configures TTLs and broadcast coalescing.
type PresenceConfig struct {
	PresenceTTL       time.Duration `mapstructure:"presence_ttl"       validate:"min=1s"`
	TypingTTL         time.Duration `mapstructure:"typing_ttl"         validate:"min=1s,ltfield=PresenceTTL"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval" validate:"min=0"`
}

// ExportConfig configures the NATS exporter of committed messages.
type ExportConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Servers       []string `mapstructure:"servers"        validate:"required_if=Enabled true"`
	Name          string   `mapstructure:"name"`
	SubjectPrefix string   `mapstructure:"subject_prefix" validate:"required"`
	QueueSize     int      `mapstructure:"queue_size"     validate:"min=1"`
}

// SchedulerConfig maps task names to their schedule.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks" validate:"dive"`
}

// TaskConfig enables a scheduled task with a cron expression (seconds field allowed).
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
}
