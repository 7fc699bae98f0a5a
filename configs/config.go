package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	InstanceID string

	CoordinationBackend   string
	CoordinationEndpoints []string
	ElectionPath          string
	SessionTimeout        time.Duration
	ConnectTimeout        time.Duration
	RetryBaseDelay        time.Duration
	RetryMaxAttempts      int
	AutoRequeue           bool
	LeaderHeartbeat       time.Duration

	ProcessingInterval  time.Duration
	ProcessingSchedule  string
	ProcessingBatchSize int

	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisEnabled bool
	RedisHost    string
	RedisPort    string

	APIPort string

	TracingEnabled bool
	OTelEndpoint   string

	LogLevel    string
	LogEncoding string
}

func LoadConfig() *Config {
	return &Config{
		InstanceID: getEnv("INSTANCE_ID", ""),

		CoordinationBackend:   getEnv("COORDINATION_BACKEND", "zookeeper"),
		CoordinationEndpoints: getEnvAsList("COORDINATION_ENDPOINTS", "localhost:2181"),
		ElectionPath:          getEnv("ELECTION_PATH", "/dbreader/leader"),
		SessionTimeout:        getEnvAsDuration("SESSION_TIMEOUT", 15*time.Second),
		ConnectTimeout:        getEnvAsDuration("CONNECT_TIMEOUT", 10*time.Second),
		RetryBaseDelay:        getEnvAsDuration("RETRY_BASE_DELAY", time.Second),
		RetryMaxAttempts:      getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
		AutoRequeue:           getEnvAsBool("AUTO_REQUEUE", true),
		LeaderHeartbeat:       getEnvAsDuration("LEADER_HEARTBEAT", 5*time.Second),

		ProcessingInterval:  getEnvAsDuration("PROCESSING_INTERVAL", 60*time.Second),
		ProcessingSchedule:  getEnv("PROCESSING_SCHEDULE", ""),
		ProcessingBatchSize: getEnvAsInt("PROCESSING_BATCH_SIZE", 0),

		DBDriver:   getEnv("DB_DRIVER", "postgres"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "dbreader"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "dbreader"),

		RedisEnabled: getEnvAsBool("REDIS_ENABLED", false),
		RedisHost:    getEnv("REDIS_HOST", "localhost"),
		RedisPort:    getEnv("REDIS_PORT", "6379"),

		APIPort: getEnv("API_PORT", "8080"),

		TracingEnabled: getEnvAsBool("TRACING_ENABLED", false),
		OTelEndpoint:   getEnv("OTEL_ENDPOINT", "localhost:4318"),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "console"),
	}
}

// PostgresDSN builds the connection string used by the gorm postgres driver.
func (c *Config) PostgresDSN() string {
	return "host=" + c.DBHost + " user=" + c.DBUser + " password=" + c.DBPassword +
		" dbname=" + c.DBName + " port=" + c.DBPort + " sslmode=disable TimeZone=UTC"
}

func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("90s") or bare milliseconds ("60000").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if ms, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	return fallback
}

func getEnvAsList(key, fallback string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, fallback), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
