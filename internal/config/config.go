package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries the environment-driven settings shared by every subcommand.
type Config struct {
	Bucket    string
	AWSRegion string
	RedisAddr string

	LogFormat string
	LogLevel  string

	FleetTagKey      string
	FleetTagValue    string
	AutoScalingGroup string
	TargetGroupARN   string

	HealthBaseURL      string
	HealthMaxAttempts  int
	HealthWaitInterval time.Duration

	AppDir       string
	BackupDir    string
	ServiceName  string
	ServiceOwner string

	SmokeTestCommand []string

	CommandPollInterval time.Duration
	CommandTimeout      time.Duration
}

// New reads the configuration from the environment.
func New() *Config {
	return &Config{
		Bucket:    os.Getenv("DEPLOY_BUCKET"),
		AWSRegion: envOrDefault("AWS_REGION", "us-east-1"),
		RedisAddr: os.Getenv("REDIS_ADDR"),

		LogFormat: envOrDefault("LOG_FORMAT", "text"),
		LogLevel:  envOrDefault("LOG_LEVEL", "info"),

		FleetTagKey:      envOrDefault("FLEET_TAG_KEY", "Role"),
		FleetTagValue:    envOrDefault("FLEET_TAG_VALUE", "app-server"),
		AutoScalingGroup: os.Getenv("AUTOSCALING_GROUP"),
		TargetGroupARN:   os.Getenv("TARGET_GROUP_ARN"),

		HealthBaseURL:      os.Getenv("HEALTH_BASE_URL"),
		HealthMaxAttempts:  envInt("HEALTH_MAX_ATTEMPTS", 24),
		HealthWaitInterval: envDuration("HEALTH_WAIT_INTERVAL", 10*time.Second),

		AppDir:       envOrDefault("APP_DIR", "/var/www/app"),
		BackupDir:    envOrDefault("BACKUP_DIR", "/var/backups"),
		ServiceName:  envOrDefault("SERVICE_NAME", "app"),
		ServiceOwner: envOrDefault("SERVICE_OWNER", "www-data"),

		SmokeTestCommand: strings.Fields(os.Getenv("SMOKE_TEST_COMMAND")),

		CommandPollInterval: envDuration("COMMAND_POLL_INTERVAL", 10*time.Second),
		CommandTimeout:      envDuration("COMMAND_TIMEOUT", 10*time.Minute),
	}
}

func envOrDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
