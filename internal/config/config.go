// Package config loads avagate's config.toml, falling back to and writing
// back a default configuration when the file is missing or unparsable —
// matching original_source's load_config/save_config. This replaces the
// teacher's env-var-only Load(); the struct-of-sub-configs shape and the
// Load() entrypoint name are kept.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"github.com/avagate/gateway/internal/models"
)

const defaultPath = "config.toml"

// Config mirrors original_source's AppConfig.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Devices  []DeviceConfig `toml:"devices"`
	Logging  LoggingConfig  `toml:"logging"`

	// Auth is a gateway-only addition (spec.md §4.H): the single operator
	// credential used by internal/sessions. Not present in original_source.
	Auth AuthConfig `toml:"auth"`

	Version string `toml:"-"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type DatabaseConfig struct {
	Path                 string `toml:"path"`
	MaxLogEntries        int    `toml:"max_log_entries"`
	CleanupIntervalHours int    `toml:"cleanup_interval_hours"`
}

// DeviceConfig is the one-time seed list applied on first startup when no
// devices exist yet in the store (SPEC_FULL.md §5, open question decision).
// Subsequent edits happen through the REST API, not config.toml.
type DeviceConfig struct {
	ID                string                `toml:"id"`
	Name              string                `toml:"name"`
	Enabled           bool                  `toml:"enabled"`
	Protocol          models.ProtocolConfig `toml:"protocol"`
	PollingIntervalMs uint32                `toml:"polling_interval_ms"`
	TimeoutMs         uint32                `toml:"timeout_ms"`
	RetryCount        uint32                `toml:"retry_count"`
	Tags              []TagConfig           `toml:"tags"`
}

type TagConfig struct {
	Name        string  `toml:"name"`
	Address     uint16  `toml:"address"`
	DataType    string  `toml:"data_type"`
	Multiplier  float64 `toml:"multiplier"`
	Offset      float64 `toml:"offset"`
	Unit        string  `toml:"unit"`
	Description string  `toml:"description"`
}

type LoggingConfig struct {
	Level         string `toml:"level"`
	FilePath      string `toml:"file_path"`
	MaxFileSizeMB int    `toml:"max_file_size_mb"`
	MaxFiles      int    `toml:"max_files"`
}

// AuthConfig holds the single operator credential (spec.md §4.H).
type AuthConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Default returns the factory configuration, matching original_source's
// AppConfig::default().
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Host: "0.0.0.0"},
		Database: DatabaseConfig{
			Path:                 "data.db",
			MaxLogEntries:        1_000_000,
			CleanupIntervalHours: 24,
		},
		Devices: []DeviceConfig{
			{
				ID:      "device1",
				Name:    "Example Modbus TCP Device",
				Enabled: false,
				Protocol: models.ProtocolConfig{
					Type: models.ProtocolModbusTCP,
					Host: "192.168.1.100",
					Port: 502,
				},
				PollingIntervalMs: 1000,
				TimeoutMs:         5000,
				RetryCount:        3,
				Tags: []TagConfig{
					{Name: "temperature", Address: 1, DataType: "holding_register", Multiplier: 0.1, Unit: "°C", Description: "Temperature sensor"},
				},
			},
		},
		Logging: LoggingConfig{Level: "info", FilePath: "app.log", MaxFileSizeMB: 10, MaxFiles: 5},
		Auth:    AuthConfig{Username: "admin", Password: "admin"},
		Version: "0.1.0",
	}
}

// Load reads config.toml, writing and returning the default configuration
// if the file is missing or fails to parse.
func Load() (*Config, error) {
	return LoadPath(defaultPath)
}

// LoadPath is Load with an explicit path, for tests.
func LoadPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("config file not found, writing defaults")
		cfg := Default()
		if err := SavePath(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to parse config file, using defaults")
		cfg := Default()
		if err := SavePath(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cfg.Version = Default().Version
	log.Info().Str("path", path).Msg("configuration loaded")
	return &cfg, nil
}

// Save writes cfg to config.toml.
func Save(cfg *Config) error {
	return SavePath(defaultPath, cfg)
}

// SavePath is Save with an explicit path.
func SavePath(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("configuration saved")
	return nil
}
