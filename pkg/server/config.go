package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/bcrypt"
)

// Database drivers
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort        int
	BindAddress    string
	MetricsPort    int // 0 = disabled
	DatabaseDriver string
	DatabasePath   string

	MaxRecordBytes   int
	MaxUploadBytes   int64
	MaxMessageLength int
	HistoryPageSize  int

	RelayEnabled    bool
	RelayPublicHost string
	RelayBindHost   string
	RelayPortMin    int
	RelayPortMax    int

	UploadDir     string
	PublicBaseURL string

	// bcrypt cost for new password hashes
	PasswordCost int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:        7465,
		BindAddress:    "",
		MetricsPort:    9090,
		DatabaseDriver: DriverSQLite,
		DatabasePath:   "~/.huddle/huddle.db",

		MaxRecordBytes:   64 * 1024,
		MaxUploadBytes:   10 * 1024 * 1024,
		MaxMessageLength: 4096,
		HistoryPageSize:  50,

		RelayEnabled:    true,
		RelayPublicHost: "localhost",
		RelayBindHost:   "0.0.0.0",
		RelayPortMin:    40000,
		RelayPortMax:    40999,

		UploadDir:     "~/.huddle/uploads",
		PublicBaseURL: "http://localhost:8080/uploads",

		PasswordCost: bcrypt.DefaultCost,
	}
}

// Validate reports the first invalid setting
func (c ServerConfig) Validate() error {
	switch {
	case c.TCPPort < 0 || c.TCPPort > 65535:
		return fmt.Errorf("invalid tcp_port %d", c.TCPPort)
	case c.MetricsPort < 0 || c.MetricsPort > 65535:
		return fmt.Errorf("invalid metrics_port %d", c.MetricsPort)
	case c.DatabaseDriver != DriverSQLite && c.DatabaseDriver != DriverMemory:
		return fmt.Errorf("unknown database_driver %q (want %s or %s)", c.DatabaseDriver, DriverSQLite, DriverMemory)
	case c.MaxRecordBytes < 64:
		return fmt.Errorf("max_record_bytes %d is too small", c.MaxRecordBytes)
	case c.MaxUploadBytes <= 0:
		return fmt.Errorf("invalid max_upload_bytes %d", c.MaxUploadBytes)
	case c.MaxMessageLength <= 0:
		return fmt.Errorf("invalid max_message_length %d", c.MaxMessageLength)
	case c.HistoryPageSize <= 0:
		return fmt.Errorf("invalid history_page_size %d", c.HistoryPageSize)
	case c.RelayPortMin <= 0 || c.RelayPortMax > 65535 || c.RelayPortMin > c.RelayPortMax:
		return fmt.Errorf("invalid relay port range %d-%d", c.RelayPortMin, c.RelayPortMax)
	case c.PasswordCost < bcrypt.MinCost || c.PasswordCost > bcrypt.MaxCost:
		return fmt.Errorf("invalid password cost %d", c.PasswordCost)
	}
	return nil
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	Relay   RelaySection   `toml:"relay"`
	Storage StorageSection `toml:"storage"`
}

type ServerSection struct {
	TCPPort        int    `toml:"tcp_port"`
	BindAddress    string `toml:"bind_address"`
	MetricsPort    int    `toml:"metrics_port"`
	DatabaseDriver string `toml:"database_driver"`
	DatabasePath   string `toml:"database_path"`
}

type LimitsSection struct {
	MaxRecordBytes   int   `toml:"max_record_bytes"`
	MaxUploadBytes   int64 `toml:"max_upload_bytes"`
	MaxMessageLength int   `toml:"max_message_length"`
	HistoryPageSize  int   `toml:"history_page_size"`
}

type RelaySection struct {
	Enabled    bool   `toml:"enabled"`
	PublicHost string `toml:"public_host"`
	BindHost   string `toml:"bind_host"`
	PortMin    int    `toml:"port_min"`
	PortMax    int    `toml:"port_max"`
}

type StorageSection struct {
	UploadDir     string `toml:"upload_dir"`
	PublicBaseURL string `toml:"public_base_url"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:        d.TCPPort,
			BindAddress:    d.BindAddress,
			MetricsPort:    d.MetricsPort,
			DatabaseDriver: d.DatabaseDriver,
			DatabasePath:   d.DatabasePath,
		},
		Limits: LimitsSection{
			MaxRecordBytes:   d.MaxRecordBytes,
			MaxUploadBytes:   d.MaxUploadBytes,
			MaxMessageLength: d.MaxMessageLength,
			HistoryPageSize:  d.HistoryPageSize,
		},
		Relay: RelaySection{
			Enabled:    d.RelayEnabled,
			PublicHost: d.RelayPublicHost,
			BindHost:   d.RelayBindHost,
			PortMin:    d.RelayPortMin,
			PortMax:    d.RelayPortMax,
		},
		Storage: StorageSection{
			UploadDir:     d.UploadDir,
			PublicBaseURL: d.PublicBaseURL,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides. Keys missing from the file
// keep their defaults.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		// If we can't write, just return defaults without error
		// (might be a permissions issue, but we can still run)
		_ = WriteDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: HUDDLE_SECTION_KEY
// Example: HUDDLE_SERVER_TCP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	envInt("HUDDLE_SERVER_TCP_PORT", &config.Server.TCPPort)
	envString("HUDDLE_SERVER_BIND_ADDRESS", &config.Server.BindAddress)
	envInt("HUDDLE_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("HUDDLE_SERVER_DATABASE_DRIVER", &config.Server.DatabaseDriver)
	envString("HUDDLE_SERVER_DATABASE_PATH", &config.Server.DatabasePath)

	// Limits section
	envInt("HUDDLE_LIMITS_MAX_RECORD_BYTES", &config.Limits.MaxRecordBytes)
	if val := os.Getenv("HUDDLE_LIMITS_MAX_UPLOAD_BYTES"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.Limits.MaxUploadBytes = n
		}
	}
	envInt("HUDDLE_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("HUDDLE_LIMITS_HISTORY_PAGE_SIZE", &config.Limits.HistoryPageSize)

	// Relay section
	if val := os.Getenv("HUDDLE_RELAY_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.Relay.Enabled = enabled
		}
	}
	envString("HUDDLE_RELAY_PUBLIC_HOST", &config.Relay.PublicHost)
	envString("HUDDLE_RELAY_BIND_HOST", &config.Relay.BindHost)
	envInt("HUDDLE_RELAY_PORT_MIN", &config.Relay.PortMin)
	envInt("HUDDLE_RELAY_PORT_MAX", &config.Relay.PortMax)

	// Storage section
	envString("HUDDLE_STORAGE_UPLOAD_DIR", &config.Storage.UploadDir)
	envString("HUDDLE_STORAGE_PUBLIC_BASE_URL", &config.Storage.PublicBaseURL)

	return config
}

// WriteDefaultConfig writes the default config to a file with all options documented
func WriteDefaultConfig(path string) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Huddle Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# HUDDLE_SECTION_KEY (e.g., HUDDLE_SERVER_TCP_PORT=8080)

[server]
# Port for client connections
tcp_port = 7465

# Address to bind (empty = all interfaces)
bind_address = ""

# Port for the internal Prometheus /metrics endpoint
# Set to 0 to disable. Never expose publicly.
metrics_port = 9090

# Storage driver: "sqlite" or "memory" (memory loses all data on restart)
database_driver = "sqlite"

# Path to SQLite database file
database_path = "~/.huddle/huddle.db"

[limits]
# Longest accepted command line in bytes (longer lines close the connection)
max_record_bytes = 65536

# Largest accepted upload in bytes (larger uploads are skipped and rejected)
max_upload_bytes = 10485760

# Maximum message length in bytes
max_message_length = 4096

# Messages returned per LIST_MESSAGES page
history_page_size = 50

[relay]
# Relay call media over UDP. When disabled only call signaling happens.
enabled = true

# Host clients use to reach the relay
public_host = "localhost"

# Interface relay sockets bind to
bind_host = "0.0.0.0"

# Inclusive UDP port range, one port per call
port_min = 40000
port_max = 40999

[storage]
# Directory uploaded files are written to
upload_dir = "~/.huddle/uploads"

# URL prefix under which upload_dir is served
public_base_url = "http://localhost:8080/uploads"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig, expanding ~ in paths
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	cfg.TCPPort = c.Server.TCPPort
	cfg.BindAddress = strings.TrimSpace(c.Server.BindAddress)
	cfg.MetricsPort = c.Server.MetricsPort
	if driver := strings.TrimSpace(c.Server.DatabaseDriver); driver != "" {
		cfg.DatabaseDriver = strings.ToLower(driver)
	}

	dbPath, err := expandHome(c.Server.DatabasePath)
	if err != nil {
		return ServerConfig{}, err
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}

	if c.Limits.MaxRecordBytes != 0 {
		cfg.MaxRecordBytes = c.Limits.MaxRecordBytes
	}
	if c.Limits.MaxUploadBytes != 0 {
		cfg.MaxUploadBytes = c.Limits.MaxUploadBytes
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.HistoryPageSize != 0 {
		cfg.HistoryPageSize = c.Limits.HistoryPageSize
	}

	cfg.RelayEnabled = c.Relay.Enabled
	if strings.TrimSpace(c.Relay.PublicHost) != "" {
		cfg.RelayPublicHost = c.Relay.PublicHost
	}
	if strings.TrimSpace(c.Relay.BindHost) != "" {
		cfg.RelayBindHost = c.Relay.BindHost
	}
	if c.Relay.PortMin != 0 {
		cfg.RelayPortMin = c.Relay.PortMin
	}
	if c.Relay.PortMax != 0 {
		cfg.RelayPortMax = c.Relay.PortMax
	}

	uploadDir, err := expandHome(c.Storage.UploadDir)
	if err != nil {
		return ServerConfig{}, err
	}
	if uploadDir != "" {
		cfg.UploadDir = uploadDir
	}
	if strings.TrimSpace(c.Storage.PublicBaseURL) != "" {
		cfg.PublicBaseURL = c.Storage.PublicBaseURL
	}

	return cfg, cfg.Validate()
}

// expandHome expands a leading ~/ to the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
