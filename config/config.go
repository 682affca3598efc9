package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Default values for the gateway configuration.
const (
	DefaultPort          = 4431
	DefaultNodeID        = 1
	DefaultBusBackend    = "redis"
	DefaultBusChannel    = "canal-chat"
	DefaultSendQueueSize = 256
	DefaultWriteTimeout  = 5 * time.Second
	DefaultPingInterval  = 30 * time.Second
)

// Config is the gateway configuration parsed from config.yaml.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Nats     NatsConfig     `yaml:"nats"`
	Postgres PostgresConfig `yaml:"postgres"`
	JWT      JWTConfig      `yaml:"jwt"`
	Limits   LimitsConfig   `yaml:"limits"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// Host/Port the HTTP+WebSocket listener binds to.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// NodeID feeds the snowflake connection-id generator (0~1023).
	NodeID int64 `yaml:"node_id"`

	// Bus selects the event-bus backend: "redis" (default) or "nats".
	Bus string `yaml:"bus"`

	// LogLevel is one of debug/info/warn/error.
	LogLevel string `yaml:"log_level"`
}

// RedisConfig configures both the pub/sub bus (when Bus == "redis")
// and the shared client.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`

	// Channel is the single pub/sub channel every producer publishes to.
	Channel string `yaml:"channel"`
}

// NatsConfig configures the alternate bus backend.
type NatsConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// PostgresConfig configures the chat-membership check. An empty DSN
// disables the check (subscriptions are allowed and a warning logged).
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// JWTConfig controls session-token verification.
type JWTConfig struct {
	// SecretEnv names the environment variable holding the HMAC key.
	SecretEnv string `yaml:"secret_env"`

	// Alg is one of HS256/HS384/HS512; empty means HS256.
	Alg string `yaml:"alg"`
}

// Secret returns the HMAC key resolved from the environment.
func (j JWTConfig) Secret() []byte {
	if j.SecretEnv == "" {
		return nil
	}
	return []byte(os.Getenv(j.SecretEnv))
}

// LimitsConfig bounds per-connection resources.
type LimitsConfig struct {
	// SendQueueSize is the per-connection outbound buffer; a full
	// buffer fails the send and prunes the connection.
	SendQueueSize int `yaml:"send_queue_size"`

	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// PingInterval is the server-initiated liveness ping period.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// Load reads the YAML file at path and applies defaults. A missing
// file is not an error: the defaults are returned so the gateway can
// run against local Redis with everything else disabled.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrapf(err, "read config %s", path)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.NodeID == 0 {
		c.Server.NodeID = DefaultNodeID
	}
	if c.Server.Bus == "" {
		c.Server.Bus = DefaultBusBackend
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = DefaultBusChannel
	}
	if c.Nats.URL == "" {
		c.Nats.URL = "nats://127.0.0.1:4222"
	}
	if c.Nats.Subject == "" {
		c.Nats.Subject = DefaultBusChannel
	}
	if c.JWT.SecretEnv == "" {
		c.JWT.SecretEnv = "JWT_SECRET_KEY"
	}
	if c.Limits.SendQueueSize == 0 {
		c.Limits.SendQueueSize = DefaultSendQueueSize
	}
	if c.Limits.WriteTimeout == 0 {
		c.Limits.WriteTimeout = DefaultWriteTimeout
	}
	if c.Limits.PingInterval == 0 {
		c.Limits.PingInterval = DefaultPingInterval
	}
}
