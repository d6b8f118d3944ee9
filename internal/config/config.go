package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gymbook/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Booking    BookingConfig    `yaml:"booking"`
	Email      EmailConfig      `yaml:"email"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	NATS       NATSConfig       `yaml:"nats"`
	Google     GoogleConfig     `yaml:"google"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout int    `yaml:"busy_timeout_ms"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
	// Demo keys get simulated writes, like demo members.
	Demo bool `yaml:"demo"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type BookingConfig struct {
	Timezone        string        `yaml:"timezone"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	DemoPrefix      string        `yaml:"demo_prefix"`
	MemberRateLimit int           `yaml:"member_rate_limit"`
	MemberRateWin   time.Duration `yaml:"member_rate_window"`
	NotifyTimeout   time.Duration `yaml:"notify_timeout"`
}

// Location resolves the gym's time zone. Falls back to local time.
func (b BookingConfig) Location() *time.Location {
	if b.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

type EmailConfig struct {
	Enabled   bool   `yaml:"enabled"`
	From      string `yaml:"from"`
	FromName  string `yaml:"from_name"`
	SMTPHost  string `yaml:"smtp_host"`
	SMTPPort  string `yaml:"smtp_port"`
	SMTPUser  string `yaml:"smtp_user"`
	SMTPPass  string `yaml:"smtp_pass"`
	QueueKey  string `yaml:"queue_key"`
	FailedKey string `yaml:"failed_key"`
}

type TelegramConfig struct {
	BotToken    string `yaml:"bot_token"`
	AdminChatID int64         `yaml:"admin_chat_id"`
	Debug       bool          `yaml:"debug"`
	Timeout     time.Duration `yaml:"timeout"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type GoogleConfig struct {
	CredentialsFile     string `yaml:"credentials_file"`
	RosterSpreadsheetID string `yaml:"roster_spreadsheet_id"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Booking.Timezone != "" {
		if _, err := time.LoadLocation(c.Booking.Timezone); err != nil {
			return fmt.Errorf("invalid booking timezone %q: %w", c.Booking.Timezone, err)
		}
	}

	if c.Booking.SweepInterval < time.Second {
		return errors.New("booking sweep_interval must be at least 1s")
	}

	if c.Email.Enabled && c.Email.SMTPHost == "" {
		return errors.New("email smtp_host is required when email is enabled")
	}

	if c.API.GRPC.TLS.Enabled && (c.API.GRPC.TLS.CertFile == "" || c.API.GRPC.TLS.KeyFile == "") {
		return errors.New("grpc tls requires cert_file and key_file")
	}

	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if k.Key == "" {
			return fmt.Errorf("api key '%s' has empty key", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "gymbook"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if len(c.API.HTTP.AllowedOrigins) == 0 {
		c.API.HTTP.AllowedOrigins = []string{"*"}
	}

	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5000
	}

	if c.Booking.SweepInterval == 0 {
		c.Booking.SweepInterval = time.Minute
	}
	if c.Booking.DemoPrefix == "" {
		c.Booking.DemoPrefix = models.DefaultDemoPrefix
	}
	if c.Booking.MemberRateLimit == 0 {
		c.Booking.MemberRateLimit = 10
	}
	if c.Booking.MemberRateWin == 0 {
		c.Booking.MemberRateWin = time.Minute
	}
	if c.Booking.NotifyTimeout == 0 {
		c.Booking.NotifyTimeout = 10 * time.Second
	}

	if c.Telegram.Timeout == 0 {
		c.Telegram.Timeout = 10 * time.Second
	}

	if c.Email.QueueKey == "" {
		c.Email.QueueKey = "emails"
	}
	if c.Email.FailedKey == "" {
		c.Email.FailedKey = c.Email.QueueKey + ":failed"
	}
	if c.Email.SMTPPort == "" {
		c.Email.SMTPPort = "587"
	}

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "gymbook.events"
	}

	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
