package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"taskpilot/internal/secret"
)

// Run modes of the daemon.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// SchedulerConfig tunes the polling loop and the retry policy.
type SchedulerConfig struct {
	Tick              time.Duration
	Workers           int
	ExecTimeout       time.Duration
	StaleAfter        time.Duration
	RetryBase         time.Duration
	RetryMaxDelay     time.Duration
	HistoryRetention  int
	DefaultMaxRetries int
	// Timezone is the wall clock for parsing and recurring triggers. Empty means local.
	Timezone string
}

// StoreConfig selects the task store.
type StoreConfig struct {
	Driver      string
	StateDir    string
	PostgresDSN string
	AutoMigrate bool
}

type BarkConfig struct {
	URL     string
	Enabled bool
}

type TelegramConfig struct {
	Enabled       bool
	Token         string
	DefaultChatID int64
	APIURL        string
}

// NotificationConfig holds message delivery settings.
type NotificationConfig struct {
	DefaultPlatform string
	RatePerSec      int
	Bark            BarkConfig
	Telegram        TelegramConfig
}

// AIConfig holds chat-completion settings. The key may be given in clear or
// encrypted with KeySecret.
type AIConfig struct {
	BaseURL         string
	APIKey          string
	APIKeyEncrypted string
	KeySecret       string
	Model           string
	SystemPrompt    string
	MaxTokens       int
	Timeout         time.Duration
}

// WebhookConfig holds outbound webhook settings.
type WebhookConfig struct {
	Timeout    time.Duration
	RatePerSec int
	UserAgent  string
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Mode          string
	ConfigFile    string
	ShutdownGrace time.Duration

	Server       ServerConfig
	Log          LogConfig
	Scheduler    SchedulerConfig
	Store        StoreConfig
	Notification NotificationConfig
	AI           AIConfig
	Webhook      WebhookConfig
}

const (
	envPrefix = "TASKPILOT_"

	defaultAddr          = "127.0.0.1:7070"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultShutdownGrace = 10 * time.Second
	defaultRatePerSec    = 5
	defaultRetention     = 50
)

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Mode:          ModeHTTP,
		ShutdownGrace: defaultShutdownGrace,
		Server:        ServerConfig{Addr: defaultAddr},
		Log:           LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		Scheduler: SchedulerConfig{
			Tick:              5 * time.Second,
			Workers:           4,
			ExecTimeout:       60 * time.Second,
			StaleAfter:        10 * time.Minute,
			RetryBase:         30 * time.Second,
			RetryMaxDelay:     time.Hour,
			HistoryRetention:  defaultRetention,
			DefaultMaxRetries: 3,
		},
		Store: StoreConfig{Driver: DriverSQLite, AutoMigrate: true},
		Notification: NotificationConfig{
			DefaultPlatform: "log",
			RatePerSec:      defaultRatePerSec,
		},
		AI:      AIConfig{Timeout: 60 * time.Second},
		Webhook: WebhookConfig{Timeout: 30 * time.Second, RatePerSec: defaultRatePerSec, UserAgent: "taskpilot"},
	}
}

// Parse reads the process flags and environment.
func Parse() (*Config, error) {
	return Load(os.Args[1:])
}

// Load builds the configuration from args and the environment.
// Priority: CLI flags > environment > .env file > YAML file > defaults.
func Load(args []string) (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskpilot", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f) // optional; Load never overrides variables already set
	}

	fs := flag.NewFlagSet("taskpilotd", flag.ContinueOnError)
	var (
		configFile, mode, addr, logLevel, logFormat, stateDir, driver, dsn, timezone string
		tick, shutdownGrace                                                          time.Duration
		workers, retention                                                           int
	)
	fs.StringVar(&configFile, "config", "", "YAML config file")
	fs.StringVar(&mode, "mode", "", "Run mode: http, mcp or both")
	fs.StringVar(&addr, "addr", "", "HTTP listen address")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory for the SQLite database")
	fs.StringVar(&driver, "store", "", "Task store: sqlite or postgres")
	fs.StringVar(&dsn, "postgres-dsn", "", "Postgres connection string")
	fs.StringVar(&timezone, "timezone", "", "IANA timezone for parsing and recurring triggers")
	fs.DurationVar(&tick, "tick", 0, "Scheduler poll interval")
	fs.IntVar(&workers, "workers", 0, "Maximum concurrent executions")
	fs.IntVar(&retention, "history-retention", 0, "Execution records kept per task")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if configFile == "" {
		configFile = os.Getenv(envPrefix + "CONFIG")
	}
	if configFile != "" {
		if err := applyFile(cfg, configFile); err != nil {
			return nil, err
		}
		cfg.ConfigFile = configFile
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = mode
		case "addr":
			cfg.Server.Addr = addr
		case "log-level":
			cfg.Log.Level = logLevel
		case "log-format":
			cfg.Log.Format = logFormat
		case "state-dir":
			cfg.Store.StateDir = stateDir
		case "store":
			cfg.Store.Driver = driver
		case "postgres-dsn":
			cfg.Store.PostgresDSN = dsn
		case "timezone":
			cfg.Scheduler.Timezone = timezone
		case "tick":
			cfg.Scheduler.Tick = tick
		case "workers":
			cfg.Scheduler.Workers = workers
		case "history-retention":
			cfg.Scheduler.HistoryRetention = retention
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.Store.Driver == DriverSQLite && cfg.Store.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.Store.StateDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		errs = append(errs, fmt.Errorf("mode: unknown value %q", c.Mode))
	}
	switch c.Store.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store: postgres driver requires a dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.Workers < 0 || c.Scheduler.HistoryRetention < 0 || c.Scheduler.DefaultMaxRetries < 0 {
		errs = append(errs, errors.New("scheduler: counts must be >= 0"))
	}
	if c.Notification.Telegram.Enabled && c.Notification.Telegram.Token == "" {
		errs = append(errs, errors.New("notification: telegram enabled without token"))
	}
	if c.Notification.Bark.Enabled && c.Notification.Bark.URL == "" {
		errs = append(errs, errors.New("notification: bark enabled without url"))
	}
	return errors.Join(errs...)
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}

// ResolveKey returns the clear-text API key, decrypting it when needed. An
// empty result means no AI provider is configured.
func (a AIConfig) ResolveKey() (string, error) {
	if a.APIKey != "" {
		return a.APIKey, nil
	}
	if a.APIKeyEncrypted == "" {
		return "", nil
	}
	if a.KeySecret == "" {
		return "", errors.New("ai: encrypted api key requires a key secret")
	}
	key, err := secret.Decrypt(a.APIKeyEncrypted, a.KeySecret)
	if err != nil {
		return "", fmt.Errorf("ai: decrypt api key: %w", err)
	}
	return key, nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if val, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = val
		}
	}
	num := func(key string, dst *int) {
		if val, ok := os.LookupEnv(envPrefix + key); ok {
			i, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: invalid integer %q", envPrefix, key, val))
				return
			}
			*dst = i
		}
	}
	boolean := func(key string, dst *bool) {
		if val, ok := os.LookupEnv(envPrefix + key); ok {
			lower := strings.ToLower(val)
			*dst = lower == "true" || lower == "1" || lower == "yes"
		}
	}
	dur := func(key string, dst *time.Duration) {
		if val, ok := os.LookupEnv(envPrefix + key); ok {
			d, err := ParseDurationOrDefault(envPrefix+key, val, *dst)
			if err != nil {
				errs = append(errs, err)
				return
			}
			*dst = d
		}
	}

	str("MODE", &cfg.Mode)
	dur("SHUTDOWN_GRACE", &cfg.ShutdownGrace)
	str("ADDR", &cfg.Server.Addr)
	str("AUTH_TOKEN", &cfg.Server.AuthToken)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	dur("TICK", &cfg.Scheduler.Tick)
	num("WORKERS", &cfg.Scheduler.Workers)
	dur("EXEC_TIMEOUT", &cfg.Scheduler.ExecTimeout)
	dur("STALE_AFTER", &cfg.Scheduler.StaleAfter)
	dur("RETRY_BASE", &cfg.Scheduler.RetryBase)
	dur("RETRY_MAX_DELAY", &cfg.Scheduler.RetryMaxDelay)
	num("HISTORY_RETENTION", &cfg.Scheduler.HistoryRetention)
	num("DEFAULT_MAX_RETRIES", &cfg.Scheduler.DefaultMaxRetries)
	str("TIMEZONE", &cfg.Scheduler.Timezone)

	str("STORE", &cfg.Store.Driver)
	str("STATE_DIR", &cfg.Store.StateDir)
	str("POSTGRES_DSN", &cfg.Store.PostgresDSN)
	boolean("AUTO_MIGRATE", &cfg.Store.AutoMigrate)

	str("DEFAULT_PLATFORM", &cfg.Notification.DefaultPlatform)
	num("NOTIFY_RATE", &cfg.Notification.RatePerSec)
	str("BARK_URL", &cfg.Notification.Bark.URL)
	boolean("BARK_ENABLED", &cfg.Notification.Bark.Enabled)
	boolean("TELEGRAM_ENABLED", &cfg.Notification.Telegram.Enabled)
	str("TELEGRAM_TOKEN", &cfg.Notification.Telegram.Token)
	str("TELEGRAM_API_URL", &cfg.Notification.Telegram.APIURL)
	if val, ok := os.LookupEnv(envPrefix + "TELEGRAM_CHAT_ID"); ok {
		id, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTELEGRAM_CHAT_ID: invalid chat id %q", envPrefix, val))
		} else {
			cfg.Notification.Telegram.DefaultChatID = id
		}
	}

	str("AI_BASE_URL", &cfg.AI.BaseURL)
	str("AI_API_KEY", &cfg.AI.APIKey)
	str("AI_API_KEY_ENCRYPTED", &cfg.AI.APIKeyEncrypted)
	str("AI_KEY_SECRET", &cfg.AI.KeySecret)
	str("AI_MODEL", &cfg.AI.Model)
	str("AI_SYSTEM_PROMPT", &cfg.AI.SystemPrompt)
	num("AI_MAX_TOKENS", &cfg.AI.MaxTokens)
	dur("AI_TIMEOUT", &cfg.AI.Timeout)

	dur("WEBHOOK_TIMEOUT", &cfg.Webhook.Timeout)
	num("WEBHOOK_RATE", &cfg.Webhook.RatePerSec)
	str("WEBHOOK_USER_AGENT", &cfg.Webhook.UserAgent)
	return errors.Join(errs...)
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskpilot")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
