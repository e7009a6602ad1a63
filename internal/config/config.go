package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/types"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

const (
	// ConfigFileName is the name of the config file
	ConfigFileName = "config.json"
	// IndexFileName holds the remote registry and listing cache
	IndexFileName = "index.db"
	// EngineConfigFileName is the engine's own remote configuration (opaque to us)
	EngineConfigFileName = "engine.conf"
	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "CLOUDSTREAM_"
)

// Credential store choices
const (
	CredentialStoreAuto      = "auto"
	CredentialStoreKeyring   = "keyring"
	CredentialStoreEncrypted = "encrypted-file"
	CredentialStorePlain     = "plain-file"
)

// Config holds application configuration
type Config struct {
	// EngineBinary is the sync engine executable, looked up on PATH when not absolute
	EngineBinary string `json:"engineBinary"`

	// EngineConfig is the engine's remote configuration file. Empty means <config dir>/engine.conf.
	EngineConfig string `json:"engineConfig,omitempty"`

	// CacheRoot is the directory holding one byte-cache namespace per remote. Empty means the user cache dir.
	CacheRoot string `json:"cacheRoot,omitempty"`

	// CacheMaxSizeMB bounds each remote's byte cache; enforced by the serving process
	CacheMaxSizeMB int `json:"cacheMaxSizeMB"`

	// CacheMaxAge is the byte-cache max age in seconds; enforced by the serving process
	CacheMaxAge int `json:"cacheMaxAge"`

	// ListingTTL is how long a directory listing is served from cache, in seconds
	ListingTTL int `json:"listingTTL"`

	// ListRateLimit caps listing subprocess invocations per second
	ListRateLimit float64 `json:"listRateLimit"`

	// CommandTimeout bounds one-shot engine commands, in seconds
	CommandTimeout int `json:"commandTimeout"`

	// StartupTimeout bounds how long a new serving process may take to become healthy, in seconds
	StartupTimeout int `json:"startupTimeout"`

	// IdleTimeout stops a serving process that served no bytes for this long, in seconds. 0 disables.
	IdleTimeout int `json:"idleTimeout"`

	// AuthTimeout bounds an interactive authorization flow, in seconds
	AuthTimeout int `json:"authTimeout"`

	// TerminateGrace is how long a process gets after the graceful signal, in seconds
	TerminateGrace int `json:"terminateGrace"`

	// HealthInterval is the liveness probe period of a running serving process, in seconds
	HealthInterval int `json:"healthInterval"`

	// ServePort is the local port of the serving process. 0 picks a free port per start.
	ServePort int `json:"servePort"`

	// APIAddr is the listen address of the control API daemon
	APIAddr string `json:"apiAddr"`

	// CredentialStore selects where credential copies are vaulted (auto, keyring, encrypted-file, plain-file)
	CredentialStore string `json:"credentialStore"`

	// DefaultOutputFormat is the default output format (json, table)
	DefaultOutputFormat types.OutputFormat `json:"defaultOutputFormat"`

	// LogLevel sets the logging verbosity (quiet, normal, verbose, debug)
	LogLevel string `json:"logLevel"`

	// ColorOutput enables color output for console logs
	ColorOutput bool `json:"colorOutput"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		EngineBinary:        "rclone",
		CacheMaxSizeMB:      utils.DefaultCacheMaxSizeMB,
		CacheMaxAge:         int(utils.DefaultCacheMaxAge / time.Second),
		ListingTTL:          int(utils.DefaultListingTTL / time.Second),
		ListRateLimit:       utils.DefaultListRateLimit,
		CommandTimeout:      int(utils.DefaultCommandTimeout / time.Second),
		StartupTimeout:      int(utils.DefaultStartupTimeout / time.Second),
		IdleTimeout:         int(utils.DefaultIdleTimeout / time.Second),
		AuthTimeout:         int(utils.DefaultAuthTimeout / time.Second),
		TerminateGrace:      int(utils.DefaultTerminateGrace / time.Second),
		HealthInterval:      int(utils.DefaultHealthInterval / time.Second),
		ServePort:           0,
		APIAddr:             "127.0.0.1:8642",
		CredentialStore:     CredentialStoreAuto,
		DefaultOutputFormat: types.OutputFormatTable,
		LogLevel:            "normal",
		ColorOutput:         true,
	}
}

// Load loads configuration with precedence: CLI flags > env vars > config file > defaults
func Load() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom is Load with an explicit config file path
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.loadFromFile(path); err != nil {
		// Config file not existing is not an error
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFile reads defaults plus the config file, without environment
// overrides or validation. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.loadFromFile(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if v := os.Getenv(EnvPrefix + "ENGINE_BINARY"); v != "" {
		c.EngineBinary = v
	}
	if v := os.Getenv(EnvPrefix + "ENGINE_CONFIG"); v != "" {
		c.EngineConfig = v
	}
	if v := os.Getenv(EnvPrefix + "CACHE_ROOT"); v != "" {
		c.CacheRoot = v
	}
	envInt("CACHE_MAX_SIZE_MB", &c.CacheMaxSizeMB)
	envInt("CACHE_MAX_AGE", &c.CacheMaxAge)
	envInt("LISTING_TTL", &c.ListingTTL)
	if v := os.Getenv(EnvPrefix + "LIST_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.ListRateLimit = f
		}
	}
	envInt("COMMAND_TIMEOUT", &c.CommandTimeout)
	envInt("STARTUP_TIMEOUT", &c.StartupTimeout)
	envInt("IDLE_TIMEOUT", &c.IdleTimeout)
	envInt("AUTH_TIMEOUT", &c.AuthTimeout)
	envInt("TERMINATE_GRACE", &c.TerminateGrace)
	envInt("HEALTH_INTERVAL", &c.HealthInterval)
	envInt("SERVE_PORT", &c.ServePort)
	if v := os.Getenv(EnvPrefix + "API_ADDR"); v != "" {
		c.APIAddr = v
	}
	if v := os.Getenv(EnvPrefix + "CREDENTIAL_STORE"); v != "" {
		c.CredentialStore = v
	}
	if v := os.Getenv(EnvPrefix + "OUTPUT_FORMAT"); v != "" {
		c.DefaultOutputFormat = types.OutputFormat(v)
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvPrefix + "COLOR_OUTPUT"); v != "" {
		c.ColorOutput = parseBool(v)
	}
}

// Save saves the configuration to the default config file
func (c *Config) Save() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(configPath)
}

// SaveTo writes the configuration to path with owner-only permissions
func (c *Config) SaveTo(configPath string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.EngineBinary) == "" {
		return fmt.Errorf("engine binary must be set")
	}

	if c.DefaultOutputFormat != types.OutputFormatJSON &&
		c.DefaultOutputFormat != types.OutputFormatTable {
		return fmt.Errorf("invalid output format: %s (must be 'json' or 'table')", c.DefaultOutputFormat)
	}

	if c.CacheMaxSizeMB < 1 {
		return fmt.Errorf("cache max size must be at least 1 MB, got: %d", c.CacheMaxSizeMB)
	}
	if c.CacheMaxAge < 60 {
		return fmt.Errorf("cache max age must be at least 60 seconds, got: %d", c.CacheMaxAge)
	}
	if c.ListingTTL < 0 {
		return fmt.Errorf("listing TTL must be non-negative, got: %d", c.ListingTTL)
	}
	if c.ListRateLimit < 0 {
		return fmt.Errorf("list rate limit must be non-negative, got: %v", c.ListRateLimit)
	}
	if c.CommandTimeout < 1 || c.CommandTimeout > 3600 {
		return fmt.Errorf("command timeout must be between 1 and 3600 seconds, got: %d", c.CommandTimeout)
	}
	if c.StartupTimeout < 1 || c.StartupTimeout > 300 {
		return fmt.Errorf("startup timeout must be between 1 and 300 seconds, got: %d", c.StartupTimeout)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must be non-negative, got: %d", c.IdleTimeout)
	}
	if c.AuthTimeout < 10 || c.AuthTimeout > 3600 {
		return fmt.Errorf("auth timeout must be between 10 and 3600 seconds, got: %d", c.AuthTimeout)
	}
	if c.TerminateGrace < 0 || c.TerminateGrace > 60 {
		return fmt.Errorf("terminate grace must be between 0 and 60 seconds, got: %d", c.TerminateGrace)
	}
	if c.HealthInterval < 1 {
		return fmt.Errorf("health interval must be at least 1 second, got: %d", c.HealthInterval)
	}
	if c.ServePort < 0 || c.ServePort > 65535 {
		return fmt.Errorf("serve port must be between 0 and 65535, got: %d", c.ServePort)
	}
	if _, _, err := net.SplitHostPort(c.APIAddr); err != nil {
		return fmt.Errorf("invalid API address %q: %v", c.APIAddr, err)
	}

	validStores := []string{CredentialStoreAuto, CredentialStoreKeyring, CredentialStoreEncrypted, CredentialStorePlain}
	if !contains(validStores, c.CredentialStore) {
		return fmt.Errorf("invalid credential store: %s (must be one of: %s)", c.CredentialStore, strings.Join(validStores, ", "))
	}

	validLogLevels := []string{"quiet", "normal", "verbose", "debug"}
	if !contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// GetListingTTL returns the listing TTL as a duration
func (c *Config) GetListingTTL() time.Duration {
	return time.Duration(c.ListingTTL) * time.Second
}

// GetCommandTimeout returns the one-shot command timeout as a duration
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeout) * time.Second
}

// GetStartupTimeout returns the serving process startup timeout as a duration
func (c *Config) GetStartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeout) * time.Second
}

// GetIdleTimeout returns the idle shutdown window; zero disables it
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

// GetAuthTimeout returns the authorization flow timeout as a duration
func (c *Config) GetAuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeout) * time.Second
}

// GetTerminateGrace returns the graceful termination window as a duration
func (c *Config) GetTerminateGrace() time.Duration {
	return time.Duration(c.TerminateGrace) * time.Second
}

// GetHealthInterval returns the liveness probe period as a duration
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.HealthInterval) * time.Second
}

// GetCacheMaxAge returns the byte-cache max age as a duration
func (c *Config) GetCacheMaxAge() time.Duration {
	return time.Duration(c.CacheMaxAge) * time.Second
}

// ResolveEngineConfig returns the engine config path, defaulting into configDir
func (c *Config) ResolveEngineConfig(configDir string) string {
	if c.EngineConfig != "" {
		return c.EngineConfig
	}
	return filepath.Join(configDir, EngineConfigFileName)
}

// ResolveCacheRoot returns the byte-cache root, defaulting to the user cache dir
func (c *Config) ResolveCacheRoot() (string, error) {
	if c.CacheRoot != "" {
		return c.CacheRoot, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache directory: %w", err)
	}
	return filepath.Join(base, utils.AppName, "vfs"), nil
}

// GetConfigPath returns the path to the config file
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, ConfigFileName), nil
}

// GetConfigDir returns the path to the config directory
func GetConfigDir() (string, error) {
	if dir := os.Getenv(EnvPrefix + "CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", utils.AppName), nil
}

// parseBool parses a boolean value from a string
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
