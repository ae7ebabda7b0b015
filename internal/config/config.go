package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"IntentHub/internal/auth"
	"IntentHub/internal/intent"
	"IntentHub/pkg/logger"
)

// DefaultPath 是未通过 INTENTHUB_CONFIG 指定时使用的配置文件。
const DefaultPath = "configs/intenthub.json"

// Config 描述了 IntentHub 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig    `json:"server"`
	Logging     logger.Config   `json:"logging"`
	Codec       CodecConfig     `json:"codec"`
	Router      RouterConfig    `json:"router"`
	Replay      ReplayConfig    `json:"replay"`
	Transport   TransportConfig `json:"transport"`
	Definitions string          `json:"definitions"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string           `json:"address"`
	MetricsAddress string           `json:"metrics_address"`
	APIKeys        []auth.KeyConfig `json:"api_keys"`
}

// CodecConfig 控制信封解码的版本集合与负载上限。
type CodecConfig struct {
	Versions   []int `json:"versions"`
	MaxPayload int   `json:"max_payload"`
}

// RouterConfig 控制适配器调用。
type RouterConfig struct {
	AdapterTimeout Duration `json:"adapter_timeout"`
}

// ReplayConfig 选择重放记录的存储以及 pending 记录的回收策略。
type ReplayConfig struct {
	Store          string      `json:"store"`
	MySQL          MySQLConfig `json:"mysql"`
	Redis          RedisConfig `json:"redis"`
	PendingTimeout Duration    `json:"pending_timeout"`
	SweepInterval  Duration    `json:"sweep_interval"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string   `json:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
	SkipMigrations  bool     `json:"skip_migrations"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// TransportConfig 选择入站队列。
type TransportConfig struct {
	Type        string         `json:"type"`
	Workers     int            `json:"workers"`
	BufferSize  int            `json:"buffer_size"`
	Redis       RedisQueue     `json:"redis"`
	RabbitMQ    RabbitMQConfig `json:"rabbitmq"`
	MaxAttempts int            `json:"max_attempts"`
}

// RedisQueue 描述 Redis list 队列。
type RedisQueue struct {
	Address   string   `json:"address"`
	Password  string   `json:"password"`
	DB        int      `json:"db"`
	Queue     string   `json:"queue"`
	BlockWait Duration `json:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// Duration 在 JSON 中接受 "30s" 这样的字符串或以秒为单位的数字。
type Duration time.Duration

// D 返回 time.Duration。
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalJSON 输出可读的字符串形式。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err == nil {
		*d = Duration(seconds * float64(time.Second))
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("duration 必须是字符串或数字: %w", err)
	}
	return d.UnmarshalText([]byte(text))
}

// UnmarshalText 实现 encoding.TextUnmarshaler，供环境变量覆盖使用。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(seconds * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("解析 duration %q 失败: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load 负责解析指定路径的 JSON 配置文件，随后应用环境变量覆盖与默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只依赖环境变量的配置，供没有配置文件的场景使用。
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	cfg.applyDefaults(wd)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if len(c.Codec.Versions) == 0 {
		for _, v := range intent.DefaultVersions {
			c.Codec.Versions = append(c.Codec.Versions, int(v))
		}
	}
	if c.Codec.MaxPayload <= 0 {
		c.Codec.MaxPayload = intent.DefaultMaxPayload
	}

	if c.Router.AdapterTimeout <= 0 {
		c.Router.AdapterTimeout = Duration(2 * time.Minute)
	}

	if c.Replay.Store == "" {
		c.Replay.Store = "memory"
	}
	c.Replay.Store = strings.ToLower(c.Replay.Store)
	if c.Replay.PendingTimeout <= 0 {
		c.Replay.PendingTimeout = Duration(15 * time.Minute)
	}
	if c.Replay.SweepInterval <= 0 {
		c.Replay.SweepInterval = Duration(time.Minute)
	}
	if c.Replay.MySQL.MaxOpenConns <= 0 {
		c.Replay.MySQL.MaxOpenConns = 10
	}
	if c.Replay.MySQL.MaxIdleConns <= 0 {
		c.Replay.MySQL.MaxIdleConns = 5
	}

	if c.Transport.Type == "" {
		c.Transport.Type = "none"
	}
	c.Transport.Type = strings.ToLower(c.Transport.Type)
	if c.Transport.Workers <= 0 {
		c.Transport.Workers = 4
	}

	if c.Definitions != "" && !filepath.IsAbs(c.Definitions) {
		c.Definitions = filepath.Join(baseDir, c.Definitions)
	}
}

// Validate 检查跨字段约束。
func (c *Config) Validate() error {
	var errs []error
	for _, v := range c.Codec.Versions {
		if v < 0 || v > 255 {
			errs = append(errs, fmt.Errorf("codec.versions 含非法版本 %d", v))
		}
	}
	if c.Replay.PendingTimeout.D() <= c.Router.AdapterTimeout.D() {
		errs = append(errs, fmt.Errorf("replay.pending_timeout (%s) 必须大于 router.adapter_timeout (%s)",
			c.Replay.PendingTimeout.D(), c.Router.AdapterTimeout.D()))
	}
	switch c.Replay.Store {
	case "memory":
	case "mysql":
		if c.Replay.MySQL.DSN == "" {
			errs = append(errs, errors.New("replay.mysql.dsn 不能为空"))
		}
	case "redis":
		if c.Replay.Redis.Address == "" {
			errs = append(errs, errors.New("replay.redis.address 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 replay.store %q", c.Replay.Store))
	}
	switch c.Transport.Type {
	case "none", "memory":
	case "redis":
		if c.Transport.Redis.Address == "" {
			errs = append(errs, errors.New("transport.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Transport.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("transport.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 transport.type %q", c.Transport.Type))
	}
	return errors.Join(errs...)
}

// CodecVersions 返回 uint8 形式的版本集合。
func (c *Config) CodecVersions() []uint8 {
	out := make([]uint8, 0, len(c.Codec.Versions))
	for _, v := range c.Codec.Versions {
		out = append(out, uint8(v))
	}
	return out
}
