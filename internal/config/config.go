package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration, read from HOUSEWORK_* environment
// variables.
type Config struct {
	Port      string
	DBPath    string
	LogLevel  string
	LogFormat string

	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string

	Backup BackupConfig
}

type BackupConfig struct {
	Passphrase    string
	Dir           string
	Interval      time.Duration
	RetentionDays int

	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
}

// Load reads envFiles (default ".env") into the environment without
// overriding variables that are already set, then parses the configuration.
// Missing env files are not an error.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv parses the configuration using getenv for lookups.
func FromEnv(getenv func(string) string) (Config, error) {
	get := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		Port:      get("HOUSEWORK_PORT", "8080"),
		DBPath:    get("HOUSEWORK_DB_PATH", "housework.db"),
		LogLevel:  get("HOUSEWORK_LOG_LEVEL", "info"),
		LogFormat: get("HOUSEWORK_LOG_FORMAT", "text"),
		Backup: BackupConfig{
			Passphrase:  getenv("HOUSEWORK_BACKUP_PASSPHRASE"),
			Dir:         get("HOUSEWORK_BACKUP_DIR", "backups"),
			S3Endpoint:  getenv("HOUSEWORK_S3_ENDPOINT"),
			S3Bucket:    getenv("HOUSEWORK_S3_BUCKET"),
			S3Region:    get("HOUSEWORK_S3_REGION", "auto"),
			S3AccessKey: getenv("HOUSEWORK_S3_ACCESS_KEY"),
			S3SecretKey: getenv("HOUSEWORK_S3_SECRET_KEY"),
		},
	}

	if origins := getenv("HOUSEWORK_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}

	interval, err := time.ParseDuration(get("HOUSEWORK_BACKUP_INTERVAL", "24h"))
	if err != nil {
		return Config{}, fmt.Errorf("parse HOUSEWORK_BACKUP_INTERVAL: %w", err)
	}
	if interval <= 0 {
		return Config{}, fmt.Errorf("HOUSEWORK_BACKUP_INTERVAL must be positive, got %s", interval)
	}
	cfg.Backup.Interval = interval

	days, err := strconv.Atoi(get("HOUSEWORK_BACKUP_RETENTION_DAYS", "30"))
	if err != nil {
		return Config{}, fmt.Errorf("parse HOUSEWORK_BACKUP_RETENTION_DAYS: %w", err)
	}
	if days <= 0 {
		return Config{}, fmt.Errorf("HOUSEWORK_BACKUP_RETENTION_DAYS must be positive, got %d", days)
	}
	cfg.Backup.RetentionDays = days

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
