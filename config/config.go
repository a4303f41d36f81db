// Package config loads the server configuration from defaults, an optional
// config.yaml, a .env file and CHATSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CHATSYNC_DATABASE_DSN.
const EnvPrefix = "CHATSYNC"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Fanout     FanoutConfig     `mapstructure:"fanout"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Pagination PaginationConfig `mapstructure:"pagination"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=sqlite3 postgres"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" validate:"gt=0"`
}

type FanoutConfig struct {
	Driver         string        `mapstructure:"driver" validate:"oneof=memory postgres"`
	Channel        string        `mapstructure:"channel" validate:"required,max=63"`
	MinReconnect   time.Duration `mapstructure:"min_reconnect" validate:"gt=0"`
	MaxReconnect   time.Duration `mapstructure:"max_reconnect" validate:"gtefield=MinReconnect"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" validate:"gt=0"`
}

type AuthConfig struct {
	Secret     string        `mapstructure:"secret" validate:"required,min=16"`
	CookieName string        `mapstructure:"cookie_name" validate:"required"`
	Issuer     string        `mapstructure:"issuer" validate:"required"`
	TokenTTL   time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
}

type GatewayConfig struct {
	SendBuffer     int           `mapstructure:"send_buffer" validate:"gte=1"`
	WriteWait      time.Duration `mapstructure:"write_wait" validate:"gt=0"`
	PongWait       time.Duration `mapstructure:"pong_wait" validate:"gt=0"`
	MaxMessageSize int64         `mapstructure:"max_message_size" validate:"gte=512"`
	TypingInterval time.Duration `mapstructure:"typing_interval" validate:"gt=0"`
	TypingTimeout  time.Duration `mapstructure:"typing_timeout" validate:"gtfield=TypingInterval"`
}

// PingPeriod must be shorter than PongWait so the peer answers in time.
func (g GatewayConfig) PingPeriod() time.Duration {
	return (g.PongWait * 9) / 10
}

type PresenceConfig struct {
	InstanceID        string        `mapstructure:"instance_id"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	StaleAfter        time.Duration `mapstructure:"stale_after" validate:"gtfield=HeartbeatInterval"`
}

type PaginationConfig struct {
	DefaultLimit int `mapstructure:"default_limit" validate:"gte=1,ltefield=MaxLimit"`
	MaxLimit     int `mapstructure:"max_limit" validate:"gte=1,lte=500"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

var defaults = map[string]any{
	"server.addr":             ":8080",
	"server.read_timeout":     "15s",
	"server.write_timeout":    "15s",
	"server.shutdown_timeout": "20s",
	"server.allowed_origins":  []string{},

	"database.driver":            "sqlite3",
	"database.dsn":               "file:chatsync.db?_journal=WAL&_busy_timeout=5000&_foreign_keys=on",
	"database.max_open_conns":    10,
	"database.max_idle_conns":    5,
	"database.conn_max_lifetime": "5m",
	"database.query_timeout":     "5s",

	"fanout.driver":          "memory",
	"fanout.channel":         "chat_events",
	"fanout.min_reconnect":   "1s",
	"fanout.max_reconnect":   "30s",
	"fanout.publish_timeout": "2s",

	"auth.secret":      "",
	"auth.cookie_name": "session",
	"auth.issuer":      "chatsync",
	"auth.token_ttl":   "168h",

	"gateway.send_buffer":      256,
	"gateway.write_wait":       "10s",
	"gateway.pong_wait":        "60s",
	"gateway.max_message_size": 16384,
	"gateway.typing_interval":  "2s",
	"gateway.typing_timeout":   "5s",

	"presence.instance_id":        "",
	"presence.heartbeat_interval": "15s",
	"presence.stale_after":        "1m",

	"pagination.default_limit": 50,
	"pagination.max_limit":     100,

	"log.level":  "info",
	"log.format": "json",
}

// Load reads the configuration. path may be empty, in which case config.yaml
// is looked up in the working directory and its absence is not an error.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Presence.InstanceID == "" {
		cfg.Presence.InstanceID = defaultInstanceID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags and reports every failing field at once.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "chatsync"
	}
	return host + "-" + uuid.NewString()[:8]
}
