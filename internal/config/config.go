package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server       ServerConfig
	Redis        RedisConfig
	Postgres     PostgresConfig
	Discord      DiscordConfig
	Orchestrator OrchestratorConfig
	Sweep        SweepConfig
	Worker       WorkerConfig
	Metrics      MetricsConfig
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	Addr     string
	User     string
	Password string
	Database string
}

type DiscordConfig struct {
	BotToken   string
	GuildID    string
	CategoryID string
	APIBase    string
	Timeout    time.Duration
}

type OrchestratorConfig struct {
	SessionTTL       time.Duration
	MatchTTL         time.Duration
	RoomTTL          time.Duration
	LockLease        time.Duration
	CallTimeout      time.Duration
	MinLinkedPlayers int
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

type SweepConfig struct {
	Interval        time.Duration
	SafetyThreshold time.Duration
	TeardownGrace   time.Duration
}

type WorkerConfig struct {
	Concurrency int
}

type MetricsConfig struct {
	Addr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         getEnv("SERVER_ADDR", ":8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Addr:     getEnv("POSTGRES_ADDR", "localhost:5432"),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "matchvoice"),
		},
		Discord: DiscordConfig{
			BotToken:   getEnv("DISCORD_BOT_TOKEN", ""),
			GuildID:    getEnv("DISCORD_GUILD_ID", ""),
			CategoryID: getEnv("DISCORD_CATEGORY_ID", ""),
			APIBase:    getEnv("DISCORD_API_BASE", "https://discord.com/api/v10"),
			Timeout:    getDurationEnv("DISCORD_TIMEOUT", 5*time.Second),
		},
		Orchestrator: OrchestratorConfig{
			SessionTTL:       getDurationEnv("SESSION_TTL", 7*24*time.Hour),
			MatchTTL:         getDurationEnv("MATCH_TTL", time.Hour),
			RoomTTL:          getDurationEnv("ROOM_TTL", time.Hour),
			LockLease:        getDurationEnv("LOCK_LEASE", 15*time.Second),
			CallTimeout:      getDurationEnv("CALL_TIMEOUT", 5*time.Second),
			MinLinkedPlayers: getIntEnv("MIN_LINKED_PLAYERS", 1),
			RetryAttempts:    getIntEnv("RETRY_ATTEMPTS", 3),
			RetryBaseDelay:   getDurationEnv("RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryMaxDelay:    getDurationEnv("RETRY_MAX_DELAY", 10*time.Second),
		},
		Sweep: SweepConfig{
			Interval:        getDurationEnv("SWEEP_INTERVAL", 60*time.Second),
			SafetyThreshold: getDurationEnv("SWEEP_SAFETY_THRESHOLD", 2*time.Hour),
			TeardownGrace:   getDurationEnv("SWEEP_TEARDOWN_GRACE", 2*time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency: getIntEnv("WORKER_CONCURRENCY", 5),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
