package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// overrides 保存可由环境变量覆盖的字段，未设置的变量不会改动文件中的值。
type overrides struct {
	ServerAddress  string   `env:"INTENTHUB_SERVER_ADDRESS"`
	MetricsAddress string   `env:"INTENTHUB_METRICS_ADDRESS"`
	LogLevel       string   `env:"INTENTHUB_LOG_LEVEL"`
	LogFormat      string   `env:"INTENTHUB_LOG_FORMAT"`
	AuditPath      string   `env:"INTENTHUB_AUDIT_LOG_PATH"`
	Versions       []int    `env:"INTENTHUB_CODEC_VERSIONS" envSeparator:","`
	MaxPayload     int      `env:"INTENTHUB_CODEC_MAX_PAYLOAD"`
	AdapterTimeout Duration `env:"INTENTHUB_ADAPTER_TIMEOUT"`
	ReplayStore    string   `env:"INTENTHUB_REPLAY_STORE"`
	MySQLDSN       string   `env:"INTENTHUB_MYSQL_DSN"`
	RedisAddress   string   `env:"INTENTHUB_REDIS_ADDRESS"`
	RedisPassword  string   `env:"INTENTHUB_REDIS_PASSWORD"`
	PendingTimeout Duration `env:"INTENTHUB_PENDING_TIMEOUT"`
	SweepInterval  Duration `env:"INTENTHUB_SWEEP_INTERVAL"`
	TransportType  string   `env:"INTENTHUB_TRANSPORT"`
	Workers        int      `env:"INTENTHUB_TRANSPORT_WORKERS"`
	QueueRedisAddr string   `env:"INTENTHUB_QUEUE_REDIS_ADDRESS"`
	RabbitMQURL    string   `env:"INTENTHUB_RABBITMQ_URL"`
	Definitions    string   `env:"INTENTHUB_DEFINITIONS"`
}

// applyEnv 解析环境变量并覆盖已设置的字段。
func (c *Config) applyEnv() error {
	var o overrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	setString(&c.Server.Address, o.ServerAddress)
	setString(&c.Server.MetricsAddress, o.MetricsAddress)
	setString(&c.Logging.Level, o.LogLevel)
	setString(&c.Logging.Format, o.LogFormat)
	if o.AuditPath != "" {
		c.Logging.Audit.Enabled = true
		c.Logging.Audit.Path = o.AuditPath
	}
	if len(o.Versions) > 0 {
		c.Codec.Versions = o.Versions
	}
	if o.MaxPayload > 0 {
		c.Codec.MaxPayload = o.MaxPayload
	}
	if o.AdapterTimeout > 0 {
		c.Router.AdapterTimeout = o.AdapterTimeout
	}
	setString(&c.Replay.Store, o.ReplayStore)
	setString(&c.Replay.MySQL.DSN, o.MySQLDSN)
	setString(&c.Replay.Redis.Address, o.RedisAddress)
	setString(&c.Replay.Redis.Password, o.RedisPassword)
	if o.PendingTimeout > 0 {
		c.Replay.PendingTimeout = o.PendingTimeout
	}
	if o.SweepInterval > 0 {
		c.Replay.SweepInterval = o.SweepInterval
	}
	setString(&c.Transport.Type, o.TransportType)
	if o.Workers > 0 {
		c.Transport.Workers = o.Workers
	}
	setString(&c.Transport.Redis.Address, o.QueueRedisAddr)
	setString(&c.Transport.RabbitMQ.URL, o.RabbitMQURL)
	setString(&c.Definitions, o.Definitions)
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
