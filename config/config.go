package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"hedge-grid-bot/internal/grid"
)

// DefaultConfigFile is read when CONFIG_FILE is not set
const DefaultConfigFile = "config.json"

type Config struct {
	BinanceConfig      BinanceConfig      `json:"binance" yaml:"binance"`
	GridConfig         grid.Config        `json:"grid" yaml:"grid"`
	LoggingConfig      LoggingConfig      `json:"logging" yaml:"logging"`
	RedisConfig        RedisConfig        `json:"redis" yaml:"redis"`
	VaultConfig        VaultConfig        `json:"vault" yaml:"vault"`
	ServerConfig       ServerConfig       `json:"server" yaml:"server"`
	NotificationConfig NotificationConfig `json:"notification" yaml:"notification"`
	MonitorConfig      MonitorConfig      `json:"monitor" yaml:"monitor"`
	// DryRun swaps the live venue for the in-memory paper venue
	DryRun bool `json:"dry_run" yaml:"dry_run"`
}

type BinanceConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	BaseURL   string `json:"base_url" yaml:"base_url"` // overrides the mainnet/testnet URL
	TestNet   bool   `json:"testnet" yaml:"testnet"`
	// Requests per second and burst for the client-side pacer
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
	MaxRetries        int     `json:"max_retries" yaml:"max_retries"`
	// Paper account balance used in dry-run mode
	PaperBalance float64 `json:"paper_balance" yaml:"paper_balance"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`               // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output" yaml:"output"`             // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format" yaml:"json_format"`   // Output as JSON
	IncludeFile bool   `json:"include_file" yaml:"include_file"` // Include file and line number
}

// RedisConfig configures the Redis Streams event sink
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
	Stream   string `json:"stream" yaml:"stream"`
	MaxLen   int64  `json:"max_len" yaml:"max_len"` // approximate stream trim length
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address"`
	Token      string `json:"token" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path"`   // KV secrets engine mount path
	SecretPath string `json:"secret_path" yaml:"secret_path"` // path of the API key secret
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Port            int    `json:"port" yaml:"port"`
	Host            string `json:"host" yaml:"host"`
	ReadTimeout     int    `json:"read_timeout" yaml:"read_timeout"`         // Seconds
	WriteTimeout    int    `json:"write_timeout" yaml:"write_timeout"`       // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout"` // Seconds
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled" yaml:"enabled"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token"`
	ChatID   string `json:"chat_id" yaml:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// MonitorConfig drives cmd/balancewatch
type MonitorConfig struct {
	Schedule        string  `json:"schedule" yaml:"schedule"`                 // cron spec with seconds
	ChangeThreshold float64 `json:"change_threshold" yaml:"change_threshold"` // relative change that triggers a notification
}

// Load reads the config file named by CONFIG_FILE (config.json by default),
// applies environment overrides and validates the result.
func Load() (*Config, error) {
	path := getEnvOrDefault("CONFIG_FILE", DefaultConfigFile)
	cfg, err := loadFromFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// No config file: environment only
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Grid parameters have no defaults; they are only overridden when set.
func applyEnvOverrides(cfg *Config) {
	// Binance
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.BinanceConfig.TestNet)
	cfg.BinanceConfig.RequestsPerSecond = getEnvFloatOrDefault("BINANCE_REQUESTS_PER_SECOND", orFloat(cfg.BinanceConfig.RequestsPerSecond, 10))
	cfg.BinanceConfig.Burst = getEnvIntOrDefault("BINANCE_BURST", orInt(cfg.BinanceConfig.Burst, 20))
	cfg.BinanceConfig.MaxRetries = getEnvIntOrDefault("BINANCE_MAX_RETRIES", orInt(cfg.BinanceConfig.MaxRetries, 3))
	cfg.BinanceConfig.PaperBalance = getEnvFloatOrDefault("PAPER_BALANCE", orFloat(cfg.BinanceConfig.PaperBalance, 10000))

	// Grid
	g := &cfg.GridConfig
	g.Symbol = strings.ToUpper(getEnvOrDefault("GRID_SYMBOL", g.Symbol))
	g.Leverage = getEnvIntOrDefault("GRID_LEVERAGE", g.Leverage)
	g.OrderSize = getEnvFloatOrDefault("GRID_ORDER_SIZE", g.OrderSize)
	g.InitialDistancePct = getEnvFloatOrDefault("GRID_INITIAL_DISTANCE_PCT", g.InitialDistancePct)
	g.MaxDistancePct = getEnvFloatOrDefault("GRID_MAX_DISTANCE_PCT", g.MaxDistancePct)
	g.StopLossBufferPct = getEnvFloatOrDefault("GRID_STOP_LOSS_BUFFER_PCT", g.StopLossBufferPct)
	g.TakeProfitBufferPct = getEnvFloatOrDefault("GRID_TAKE_PROFIT_BUFFER_PCT", g.TakeProfitBufferPct)
	g.PollIntervalSeconds = getEnvIntOrDefault("GRID_POLL_INTERVAL_SECONDS", g.PollIntervalSeconds)
	g.ErrorBackoffSeconds = getEnvIntOrDefault("GRID_ERROR_BACKOFF_SECONDS", g.ErrorBackoffSeconds)
	g.CallTimeoutSeconds = getEnvIntOrDefault("GRID_CALL_TIMEOUT_SECONDS", g.CallTimeoutSeconds)
	g.MaxErrorBackoffSeconds = getEnvIntOrDefault("GRID_MAX_ERROR_BACKOFF_SECONDS", g.MaxErrorBackoffSeconds)

	cfg.DryRun = getEnvBoolOrDefault("DRY_RUN", cfg.DryRun)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", orString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", orString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", orString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", orInt(cfg.RedisConfig.PoolSize, 10))
	cfg.RedisConfig.Stream = getEnvOrDefault("REDIS_STREAM", orString(cfg.RedisConfig.Stream, "hedge-grid:events"))
	cfg.RedisConfig.MaxLen = int64(getEnvIntOrDefault("REDIS_STREAM_MAX_LEN", int(orInt64(cfg.RedisConfig.MaxLen, 10000))))

	// Vault
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", orString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", orString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", orString(cfg.VaultConfig.SecretPath, "hedge-grid/binance"))
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Server
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", orInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", orString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", orInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", orInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", orInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Notification
	n := &cfg.NotificationConfig
	n.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", n.Enabled)
	n.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", n.Telegram.Enabled)
	n.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", n.Telegram.BotToken)
	n.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", n.Telegram.ChatID)
	n.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", n.Discord.Enabled)
	n.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", n.Discord.WebhookURL)

	// Balance monitor
	cfg.MonitorConfig.Schedule = getEnvOrDefault("MONITOR_SCHEDULE", orString(cfg.MonitorConfig.Schedule, "0 */2 * * * *"))
	cfg.MonitorConfig.ChangeThreshold = getEnvFloatOrDefault("MONITOR_CHANGE_THRESHOLD", orFloat(cfg.MonitorConfig.ChangeThreshold, 0.01))
}

// Validate checks the grid parameters plus the settings the bot cannot
// start without. All problems are reported in one *grid.ConfigError.
func (c *Config) Validate() error {
	var problems []string
	if err := c.GridConfig.Validate(); err != nil {
		var gridErr *grid.ConfigError
		if errors.As(err, &gridErr) {
			problems = append(problems, gridErr.Problems...)
		} else {
			problems = append(problems, err.Error())
		}
	}
	if !c.DryRun && !c.VaultConfig.Enabled {
		if c.BinanceConfig.APIKey == "" || c.BinanceConfig.SecretKey == "" {
			problems = append(problems, "binance api_key and secret_key are required unless dry_run or vault is enabled")
		}
	}
	if c.VaultConfig.Enabled && c.VaultConfig.Token == "" {
		problems = append(problems, "vault token is required when vault is enabled")
	}
	if c.BinanceConfig.RequestsPerSecond <= 0 {
		problems = append(problems, fmt.Sprintf("binance requests_per_second must be positive, got %g", c.BinanceConfig.RequestsPerSecond))
	}
	if c.RedisConfig.Enabled && c.RedisConfig.Address == "" {
		problems = append(problems, "redis address is required when redis is enabled")
	}
	if c.ServerConfig.Enabled && (c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535) {
		problems = append(problems, fmt.Sprintf("server port must be between 1 and 65535, got %d", c.ServerConfig.Port))
	}
	if len(problems) > 0 {
		return &grid.ConfigError{Problems: problems}
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var config Config
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, &config)
	default:
		err = json.Unmarshal(file, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", filename, err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// ShutdownGrace is how long main waits for in-flight work on exit
func ShutdownGrace() time.Duration {
	return getEnvDurationOrDefault("SHUTDOWN_GRACE", 5*time.Second)
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orInt64(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
