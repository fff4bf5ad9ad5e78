// Package config provides configuration management for duplimon.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// Defaults for the remote agent protocol client.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultIdleTimeout    = 45 * time.Second
	DefaultLogPageSize    = 100
	DefaultSMTPTimeout    = 30 * time.Second
)

// CollectorConfig controls how remote agents are contacted.
type CollectorConfig struct {
	ConnectTimeout time.Duration // aborts if the socket never establishes
	IdleTimeout    time.Duration // aborts if no bytes arrive after connecting
	LogPageSize    int
	Proxy          *ProxyConfig
}

// NtfyConfig holds the default push notification endpoint.
type NtfyConfig struct {
	URL         string
	Topic       string
	AccessToken string
}

// Enabled reports whether a push endpoint is configured.
func (c NtfyConfig) Enabled() bool {
	return c.URL != "" && c.Topic != ""
}

// SMTPConfig holds SMTP server configuration for the email channel.
type SMTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	From     string `yaml:"from" json:"from"`
	TLS      bool   `yaml:"tls" json:"tls"`
	// Timeout bounds dialing and the whole SMTP exchange.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Enabled reports whether an SMTP relay is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != ""
}

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment      Environment
	ListenAddr       string
	DatabaseURL      string
	EncryptionKeyHex string
	PublicURL        string // dashboard URL linked from notifications
	Language         string // notification language, BCP 47
	TimeZone         string // IANA zone used for dates in notifications
	TemplatesFile    string // optional YAML file overriding notification templates
	OverdueSchedule  string // cron spec for the overdue check
	RetentionDays    int    // days of run history kept; 0 keeps everything
	CORSOrigins      []string
	RateLimit        int64  // requests per RateLimitPeriod per client
	RateLimitPeriod  string // duration string, e.g. "1m"
	Collector        CollectorConfig
	Ntfy             NtfyConfig
	SMTP             SMTPConfig
}

// LoadServerConfig reads server configuration from environment variables.
// A .env file in the working directory, when present, is loaded first and
// never overrides variables that are already set.
func LoadServerConfig() ServerConfig {
	_ = godotenv.Load()

	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	pageSize := getEnvInt("COLLECT_LOG_PAGE_SIZE", DefaultLogPageSize)
	if pageSize <= 0 {
		pageSize = DefaultLogPageSize
	}

	return ServerConfig{
		Environment:      env,
		ListenAddr:       getEnvString("LISTEN_ADDR", ":8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		EncryptionKeyHex: os.Getenv("ENCRYPTION_KEY"),
		PublicURL:        strings.TrimRight(os.Getenv("PUBLIC_URL"), "/"),
		Language:         getEnvString("NOTIFICATION_LANGUAGE", "en"),
		TimeZone:         getEnvString("NOTIFICATION_TIMEZONE", "UTC"),
		TemplatesFile:    os.Getenv("NOTIFICATION_TEMPLATES_FILE"),
		OverdueSchedule:  getEnvString("OVERDUE_CHECK_SCHEDULE", "@every 15m"),
		RetentionDays:    getEnvInt("RUN_RETENTION_DAYS", 0),
		CORSOrigins:      splitList(os.Getenv("CORS_ORIGINS")),
		RateLimit:        int64(getEnvInt("RATE_LIMIT_REQUESTS", 60)),
		RateLimitPeriod:  getEnvString("RATE_LIMIT_PERIOD", "1m"),
		Collector: CollectorConfig{
			ConnectTimeout: getEnvDuration("COLLECT_CONNECT_TIMEOUT", DefaultConnectTimeout),
			IdleTimeout:    getEnvDuration("COLLECT_IDLE_TIMEOUT", DefaultIdleTimeout),
			LogPageSize:    pageSize,
			Proxy:          LoadProxyConfig(),
		},
		Ntfy: NtfyConfig{
			URL:         strings.TrimRight(getEnvString("NTFY_URL", "https://ntfy.sh"), "/"),
			Topic:       os.Getenv("NTFY_TOPIC"),
			AccessToken: os.Getenv("NTFY_ACCESS_TOKEN"),
		},
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
			TLS:      getEnvBool("SMTP_TLS", false),
			Timeout:  getEnvDuration("SMTP_TIMEOUT", DefaultSMTPTimeout),
		},
	}
}

func getEnvString(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration accepts Go durations ("30s") or a bare number of seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
