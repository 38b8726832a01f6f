package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	Environment    string
	InstanceID     string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Rooms          RoomConfig
	Match          MatchConfig
	Session        SessionConfig
	Log            LogConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type RoomConfig struct {
	TTL                time.Duration
	SweepInterval      time.Duration
	PlaybackMaxMembers int
}

type MatchConfig struct {
	Rule       string // open | complementary
	QueueTTL   time.Duration
	ChatWindow string // local hours chat matching is open, e.g. "21-24"; empty means always
}

type SessionConfig struct {
	HandshakeTimeout     time.Duration
	ForfeitGrace         time.Duration
	PlaybackSyncInterval time.Duration
	Relay                bool   // fan events out to other instances
	NatsURL              string // relay over NATS instead of redis pub/sub when set
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment, after merging a .env file
// when one is present.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		InstanceID:     getEnv("INSTANCE_ID", uuid.NewString()),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Rooms: RoomConfig{
			TTL:                getDuration("ROOM_TTL", time.Hour),
			SweepInterval:      getDuration("SWEEP_INTERVAL", time.Minute),
			PlaybackMaxMembers: getInt("PLAYBACK_MAX_MEMBERS", 8),
		},
		Match: MatchConfig{
			Rule:       getEnv("MATCH_RULE", "open"),
			QueueTTL:   getDuration("QUEUE_TTL", 10*time.Minute),
			ChatWindow: getEnv("CHAT_MATCH_WINDOW", ""),
		},
		Session: SessionConfig{
			HandshakeTimeout:     getDuration("HANDSHAKE_TIMEOUT", 10*time.Second),
			ForfeitGrace:         getDuration("GAME_FORFEIT_GRACE", 30*time.Second),
			PlaybackSyncInterval: getDuration("PLAYBACK_SYNC_INTERVAL", 5*time.Second),
			Relay:                getBool("EVENT_RELAY", true),
			NatsURL:              getEnv("NATS_URL", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// Addr returns host:port for the redis client
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("invalid boolean in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return b
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return d
}
