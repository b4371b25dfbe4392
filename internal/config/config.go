package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser        string
	DBPassword    string
	DBName        string
	DBHost        string
	DBPort        string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	BotToken      string
	AdminIDs      []int64
	OperatorChat  int64
	LogLevel      string
	LogDev        bool
	Timezone      string

	SnapshotSpec   string
	PurgeSpec      string
	ReminderSpec   string
	RetentionDays  int
	ReminderDays   int
	UsageWarnPct   float64
	LeaseTTL       time.Duration
	SlowQuery      time.Duration
	DriverPermits  int
	DriverInterval time.Duration
	CallTimeout    time.Duration
	RetryBudget    time.Duration
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "hubbot"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		BotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		AdminIDs:      getInt64List("ADMIN_IDS"),
		OperatorChat:  getInt64("OPERATOR_CHAT_ID", 0),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogDev:        getEnv("APP_ENV", "production") == "development",
		Timezone:      getEnv("TZ_NAME", "Asia/Tehran"),

		SnapshotSpec:   getEnv("SNAPSHOT_CRON", "@hourly"),
		PurgeSpec:      getEnv("PURGE_CRON", "30 3 * * *"),
		ReminderSpec:   getEnv("REMINDER_CRON", "0 */6 * * *"),
		RetentionDays:  getInt("SNAPSHOT_RETENTION_DAYS", 30),
		ReminderDays:   getInt("REMINDER_THRESHOLD_DAYS", 3),
		UsageWarnPct:   getFloat("USAGE_WARNING_PERCENT", 90),
		LeaseTTL:       getDuration("JOB_LEASE_TTL", 30*time.Minute),
		SlowQuery:      getDuration("DB_SLOW_QUERY", 500*time.Millisecond),
		DriverPermits:  getInt("PANEL_PERMITS", 4),
		DriverInterval: getDuration("PANEL_MIN_INTERVAL", 50*time.Millisecond),
		CallTimeout:    getDuration("PANEL_CALL_TIMEOUT", 45*time.Second),
		RetryBudget:    getDuration("PANEL_RETRY_BUDGET", 45*time.Second),
	}
}

// Location resolves Timezone, falling back to UTC when the zone database
// lacks it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		log.Printf("Unknown timezone %q, using UTC", c.Timezone)
		return time.UTC
	}
	return loc
}

func (c *Config) IsAdmin(id int64) bool {
	for _, a := range c.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getInt64(key string, fallback int64) int64 {
	v, err := strconv.ParseInt(getEnv(key, ""), 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func getFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getInt64List(key string) []int64 {
	var out []int64
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}
