package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Auth         AuthConfig
	Orchestrator OrchestratorConfig
	AutoScaling  AutoScalingConfig
	AWS          AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	// PublicURL is the externally reachable base URL of this orchestrator,
	// used as the event-callback target handed to recorder nodes.
	PublicURL string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/orchestrator?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MinConns int
	MaxConns int
}

// RedisConfig holds Redis connection settings. Addr empty disables the event mirror.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds API authentication settings. JWTSecret empty disables
// validation on the admin surface; tokens are then passed through opaquely.
type AuthConfig struct {
	JWTSecret string
}

// OrchestratorConfig holds fleet-management tunables.
type OrchestratorConfig struct {
	HealthCheckInterval  time.Duration // health loop cadence
	NodeTimeout          time.Duration // heartbeat staleness threshold
	MetricsInterval      time.Duration // metrics aggregator cadence
	MaxConcurrentPerNode int           // cap on derived recorder capacity
}

// AutoScalingConfig tunes the advisory scaling recommendations. The
// orchestrator never provisions nodes itself.
type AutoScalingConfig struct {
	MinNodes           int
	MaxNodes           int
	ScaleUpThreshold   float64 // regional avg load percent
	ScaleDownThreshold float64
	CooldownPeriod     time.Duration
}

// AWSConfig holds AWS credentials and the recordings bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			PublicURL:          getEnv("PUBLIC_URL", "http://localhost:"+getEnv("PORT", "8080")),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "orchestrator"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MinConns: getEnvInt("DB_MIN_CONNS", 2),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Orchestrator: OrchestratorConfig{
			HealthCheckInterval:  time.Duration(getEnvInt("HEALTH_CHECK_INTERVAL_MS", 30000)) * time.Millisecond,
			NodeTimeout:          time.Duration(getEnvInt("NODE_TIMEOUT_MS", 60000)) * time.Millisecond,
			MetricsInterval:      time.Duration(getEnvInt("METRICS_INTERVAL_MS", 15000)) * time.Millisecond,
			MaxConcurrentPerNode: getEnvInt("MAX_CONCURRENT_PER_NODE", 6),
		},
		AutoScaling: AutoScalingConfig{
			MinNodes:           getEnvInt("AUTOSCALE_MIN_NODES", 1),
			MaxNodes:           getEnvInt("AUTOSCALE_MAX_NODES", 10),
			ScaleUpThreshold:   float64(getEnvInt("SCALE_UP_THRESHOLD", 80)),
			ScaleDownThreshold: float64(getEnvInt("SCALE_DOWN_THRESHOLD", 30)),
			CooldownPeriod:     time.Duration(getEnvInt("SCALE_COOLDOWN_SEC", 300)) * time.Second,
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
