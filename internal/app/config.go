package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"chatcore/internal/log"
	"chatcore/internal/outbox"
	"chatcore/internal/presence"
	"chatcore/internal/reconnect"
)

// Config is the full process configuration. Values come from defaults, an
// optional YAML file, CHATCORE_* environment variables and flags, in
// increasing priority.
type Config struct {
	Log    log.Config   `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
}

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr            string         `mapstructure:"addr"`
	Path            string         `mapstructure:"path"`
	DBPath          string         `mapstructure:"db_path"`
	TokenTTL        time.Duration  `mapstructure:"token_ttl"`
	StoreTimeout    time.Duration  `mapstructure:"store_timeout"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string       `mapstructure:"allowed_origins"`
	Presence        PresenceConfig `mapstructure:"presence"`
}

// PresenceConfig selects where online counters live. Redis lets several
// server processes share them.
type PresenceConfig struct {
	Backend string               `mapstructure:"backend"`
	Redis   presence.RedisConfig `mapstructure:"redis"`
}

const (
	PresenceMemory = "memory"
	PresenceRedis  = "redis"
)

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL    string           `mapstructure:"server_url"`
	Username     string           `mapstructure:"username"`
	Conversation int64            `mapstructure:"conversation"`
	DataPath     string           `mapstructure:"data_path"`
	SessionPath  string           `mapstructure:"session_path"`
	Reconnect    reconnect.Config `mapstructure:"reconnect"`
	Outbox       outbox.Config    `mapstructure:"outbox"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"addr":         "server.addr",
	"path":         "server.path",
	"db":           "server.db_path",
	"presence":     "server.presence.backend",
	"redis-addr":   "server.presence.redis.address",
	"server-url":   "client.server_url",
	"user":         "client.username",
	"conversation": "client.conversation",
	"data":         "client.data_path",
	"log-level":    "log.level",
	"log-file":     "log.file",
}

// Load builds the configuration. configFile may be empty; flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("chatcore")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("CHATCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.Path = NormalizeJoinPath(cfg.Server.Path)
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = DefaultDBPath()
	}
	if cfg.Client.DataPath == "" {
		cfg.Client.DataPath = filepath.Join(DefaultDataDir(), "client.db")
	}
	if cfg.Client.SessionPath == "" {
		cfg.Client.SessionPath = filepath.Join(DefaultDataDir(), "session.json")
	}
	switch cfg.Server.Presence.Backend {
	case PresenceMemory, PresenceRedis:
	default:
		return nil, fmt.Errorf("unknown presence backend %q", cfg.Server.Presence.Backend)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service", "chatcore")
	v.SetDefault("log.file", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.db_path", "")
	v.SetDefault("server.token_ttl", "168h")
	v.SetDefault("server.store_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.presence.backend", PresenceMemory)
	v.SetDefault("server.presence.redis.address", "localhost:6379")
	v.SetDefault("server.presence.redis.password", "")
	v.SetDefault("server.presence.redis.db", 0)
	v.SetDefault("server.presence.redis.prefix", "chatcore:presence")
	v.SetDefault("server.presence.redis.ttl", "24h")

	v.SetDefault("client.server_url", "ws://localhost:8080/ws")
	v.SetDefault("client.username", "")
	v.SetDefault("client.conversation", 0)
	v.SetDefault("client.data_path", "")
	v.SetDefault("client.session_path", "")
	v.SetDefault("client.reconnect.base_delay", "1s")
	v.SetDefault("client.reconnect.max_delay", "30s")
	v.SetDefault("client.reconnect.max_attempts", 5)
	v.SetDefault("client.reconnect.dial_timeout", "10s")
	v.SetDefault("client.outbox.ack_timeout", "10s")
	v.SetDefault("client.outbox.sweep_interval", "15s")
	v.SetDefault("client.outbox.purge_age", "24h")
}

// DefaultDataDir returns the per-user directory for chatcore's local files.
func DefaultDataDir() string {
	if env := os.Getenv("CHATCORE_DATA_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatcore")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Chatcore")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Chatcore")
		}
		return filepath.Join(home, ".local", "share", "chatcore")
	}
	return filepath.Join(".", ".chatcore")
}

// DefaultDBPath returns a per-user data path for the server's SQLite file.
func DefaultDBPath() string {
	return filepath.Join(DefaultDataDir(), "chatcore.db")
}

// NormalizeJoinPath guarantees the websocket join path starts with '/' and
// falls back to /ws when empty.
func NormalizeJoinPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
