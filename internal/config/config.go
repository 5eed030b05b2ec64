package config

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	API        APIConfig
	Connection ConnectionConfig
	Playback   PlaybackConfig
	Chat       ChatConfig
	Identity   IdentityConfig
	Redis      RedisConfig
	Log        LogConfig
}

var (
	ConfigInstance *Config
	once           sync.Once
)

type APIConfig struct {
	URL            string
	WSURL          string // derived from URL when empty
	RequestTimeout time.Duration
}

type ConnectionConfig struct {
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	WriteWait            time.Duration
}

type PlaybackConfig struct {
	ThrottleWindow time.Duration
}

type ChatConfig struct {
	SendTimeout      time.Duration
	HistoryLimit     int
	MaxMessageLength int
}

type IdentityConfig struct {
	UserID   int64
	Username string
	Token    string
}

type RedisConfig struct {
	URL     string
	Channel string // format string, %s is the room code
}

type LogConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LISTENROOM_API_URL", "http://localhost:8000")
	v.SetDefault("LISTENROOM_WS_URL", "")
	v.SetDefault("LISTENROOM_REQUEST_TIMEOUT", 10*time.Second)
	v.SetDefault("LISTENROOM_CONNECT_TIMEOUT", 10*time.Second)
	v.SetDefault("LISTENROOM_HEARTBEAT_INTERVAL", 30*time.Second)
	v.SetDefault("LISTENROOM_RECONNECT_BASE_DELAY", 2*time.Second)
	v.SetDefault("LISTENROOM_RECONNECT_MAX_DELAY", 10*time.Second)
	v.SetDefault("LISTENROOM_RECONNECT_ATTEMPTS", 5)
	v.SetDefault("LISTENROOM_WRITE_WAIT", 10*time.Second)
	v.SetDefault("LISTENROOM_PLAYBACK_THROTTLE", 200*time.Millisecond)
	v.SetDefault("LISTENROOM_CHAT_SEND_TIMEOUT", 5*time.Second)
	v.SetDefault("LISTENROOM_CHAT_HISTORY_LIMIT", 100)
	v.SetDefault("LISTENROOM_CHAT_MAX_LENGTH", 200)
	v.SetDefault("LISTENROOM_USER_ID", 0)
	v.SetDefault("LISTENROOM_USERNAME", "")
	v.SetDefault("LISTENROOM_TOKEN", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_CHANNEL", "listenroom:%s:events")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		API: APIConfig{
			URL:            strings.TrimRight(v.GetString("LISTENROOM_API_URL"), "/"),
			WSURL:          strings.TrimRight(v.GetString("LISTENROOM_WS_URL"), "/"),
			RequestTimeout: v.GetDuration("LISTENROOM_REQUEST_TIMEOUT"),
		},
		Connection: ConnectionConfig{
			ConnectTimeout:       v.GetDuration("LISTENROOM_CONNECT_TIMEOUT"),
			HeartbeatInterval:    v.GetDuration("LISTENROOM_HEARTBEAT_INTERVAL"),
			ReconnectBaseDelay:   v.GetDuration("LISTENROOM_RECONNECT_BASE_DELAY"),
			ReconnectMaxDelay:    v.GetDuration("LISTENROOM_RECONNECT_MAX_DELAY"),
			MaxReconnectAttempts: v.GetInt("LISTENROOM_RECONNECT_ATTEMPTS"),
			WriteWait:            v.GetDuration("LISTENROOM_WRITE_WAIT"),
		},
		Playback: PlaybackConfig{
			ThrottleWindow: v.GetDuration("LISTENROOM_PLAYBACK_THROTTLE"),
		},
		Chat: ChatConfig{
			SendTimeout:      v.GetDuration("LISTENROOM_CHAT_SEND_TIMEOUT"),
			HistoryLimit:     v.GetInt("LISTENROOM_CHAT_HISTORY_LIMIT"),
			MaxMessageLength: v.GetInt("LISTENROOM_CHAT_MAX_LENGTH"),
		},
		Identity: IdentityConfig{
			UserID:   v.GetInt64("LISTENROOM_USER_ID"),
			Username: v.GetString("LISTENROOM_USERNAME"),
			Token:    v.GetString("LISTENROOM_TOKEN"),
		},
		Redis: RedisConfig{
			URL:     v.GetString("REDIS_URL"),
			Channel: v.GetString("REDIS_CHANNEL"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}
}

// Default returns the built-in configuration without reading the
// environment or any .env file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

// LoadConfig reads .env (when present), then the environment, on top of the
// defaults. The result is computed once per process.
func LoadConfig() (*Config, error) {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Debug("No .env file found, using environment variables")
		}

		v := viper.GetViper()
		setDefaults(v)
		v.AutomaticEnv()

		ConfigInstance = fromViper(v)
	})

	return ConfigInstance, nil
}

// WebsocketBase returns the ws(s):// base the channel endpoint hangs off.
func (c *APIConfig) WebsocketBase() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	switch {
	case strings.HasPrefix(c.URL, "https://"):
		return "wss://" + strings.TrimPrefix(c.URL, "https://")
	case strings.HasPrefix(c.URL, "http://"):
		return "ws://" + strings.TrimPrefix(c.URL, "http://")
	default:
		return c.URL
	}
}
