package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultLogLevel = "info"
	DefaultLogJSON  = false

	DefaultDBDriver          = "sqlite"
	DefaultDBDSN             = "file:projectlog.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	DefaultDBMaxOpenConns    = 1 // SQLite serializes writers
	DefaultDBMaxIdleConns    = 1
	DefaultDBConnMaxLifetime = 5 * time.Minute

	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisKeyPrefix = "plog"

	DefaultHTTPAddr              = ":8080"
	DefaultHTTPReadHeaderTimeout = 10 * time.Second
	DefaultHTTPShutdownTimeout   = 15 * time.Second
	DefaultHTTPWriteTimeout      = 10 * time.Second

	DefaultChatMaxBodyBytes        = 16 * 1024
	DefaultChatSubmitRetries       = 3
	DefaultChatRetryBackoff        = 50 * time.Millisecond
	DefaultChatHistoryDefaultLimit = 20

	DefaultStreamBufferSize        = 256
	DefaultStreamMaxStrikes        = 3
	DefaultStreamKeepaliveInterval = 15 * time.Second
	DefaultStreamReplayPageSize    = 100
	DefaultStreamInboundRate       = 5.0 // events per second
	DefaultStreamInboundBurst      = 10

	DefaultPresenceTTL       = 30 * time.Second
	DefaultTypingTTL         = 5 * time.Second
	DefaultBroadcastInterval = time.Second

	DefaultExportName          = "projectlog"
	DefaultExportSubjectPrefix = "projectlog.messages"
	DefaultExportQueueSize     = 1024
)

// DefaultTasks are the scheduled tasks enabled out of the box.
var DefaultTasks = map[string]TaskConfig{
	"sql_maintenance": {Enabled: true, Schedule: "0 0 4 * * *"},
	"presence_sweep":  {Enabled: true, Schedule: "*/30 * * * * *"},
}

// setDefaults registers default values for every configuration key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", DefaultLogLevel)
	v.SetDefault("logger.json", DefaultLogJSON)

	v.SetDefault("database.driver", DefaultDBDriver)
	v.SetDefault("database.dsn", DefaultDBDSN)
	v.SetDefault("database.max_open_conns", DefaultDBMaxOpenConns)
	v.SetDefault("database.max_idle_conns", DefaultDBMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", DefaultDBConnMaxLifetime)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", DefaultRedisAddr)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", DefaultRedisKeyPrefix)

	v.SetDefault("http.addr", DefaultHTTPAddr)
	v.SetDefault("http.read_header_timeout", DefaultHTTPReadHeaderTimeout)
	v.SetDefault("http.shutdown_timeout", DefaultHTTPShutdownTimeout)
	v.SetDefault("http.write_timeout", DefaultHTTPWriteTimeout)

	v.SetDefault("chat.max_body_bytes", DefaultChatMaxBodyBytes)
	v.SetDefault("chat.submit_retries", DefaultChatSubmitRetries)
	v.SetDefault("chat.retry_backoff", DefaultChatRetryBackoff)
	v.SetDefault("chat.history_default_limit", DefaultChatHistoryDefaultLimit)

	v.SetDefault("stream.buffer_size", DefaultStreamBufferSize)
	v.SetDefault("stream.max_strikes", DefaultStreamMaxStrikes)
	v.SetDefault("stream.keepalive_interval", DefaultStreamKeepaliveInterval)
	v.SetDefault("stream.replay_page_size", DefaultStreamReplayPageSize)
	v.SetDefault("stream.inbound_rate", DefaultStreamInboundRate)
	v.SetDefault("stream.inbound_burst", DefaultStreamInboundBurst)

	v.SetDefault("presence.presence_ttl", DefaultPresenceTTL)
	v.SetDefault("presence.typing_ttl", DefaultTypingTTL)
	v.SetDefault("presence.broadcast_interval", DefaultBroadcastInterval)

	v.SetDefault("export.enabled", false)
	v.SetDefault("export.name", DefaultExportName)
	v.SetDefault("export.subject_prefix", DefaultExportSubjectPrefix)
	v.SetDefault("export.queue_size", DefaultExportQueueSize)

	tasks := make(map[string]any, len(DefaultTasks))
	for name, task := range DefaultTasks {
		tasks[name] = map[string]any{"enabled": task.Enabled, "schedule": task.Schedule}
	}
	v.SetDefault("scheduler.tasks", tasks)
}
