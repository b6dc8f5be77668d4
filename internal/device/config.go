package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"recallsync/internal/artifacts"
)

// getConfigDir returns the config directory path.
// Uses RECALLSYNC_CONFIG_DIR env var if set, otherwise defaults to ~/.recallsync.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("RECALLSYNC_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".recallsync")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// CatalogPath returns the path of the device catalog database
func CatalogPath() string {
	return filepath.Join(getConfigDir(), "catalog.db")
}

// LockPath returns the catalog lock file path
func LockPath() string {
	return filepath.Join(getConfigDir(), "catalog.lock")
}

// BlobDir returns the content store root directory
func BlobDir() string {
	return filepath.Join(getConfigDir(), "blobs")
}

// SettingsPath returns the settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// IdentityPath returns the device identity file path
func IdentityPath() string {
	return filepath.Join(getConfigDir(), "device.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir initializes the config directory with default files
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create default settings file if not exists (using embedded template)
	settingsPath := SettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}

	if err := os.MkdirAll(BlobDir(), 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	return nil
}

// Settings represents device-wide sync settings
type Settings struct {
	ServerURL            string   `yaml:"server_url"`
	LogLevel             string   `yaml:"log_level"`         // trace, debug, info, warn, off
	FlushIntervalMs      int      `yaml:"flush_interval_ms"` // foreground flush cycle
	BackgroundIntervalMs int      `yaml:"background_interval_ms"`
	BatchSize            int      `yaml:"batch_size"`
	MaxRetries           int      `yaml:"max_retries"`
	RequestTimeoutMs     int      `yaml:"request_timeout_ms"`
	DebounceMs           int      `yaml:"debounce_ms"`
	ErrorExpiryDays      int      `yaml:"error_expiry_days"`
	EntityTypes          []string `yaml:"entity_types"`
	ScanMaxFiles         int      `yaml:"scan_max_files"`
	ScanMaxDepth         int      `yaml:"scan_max_depth"`
	BusyTimeout          int      `yaml:"busy_timeout"` // SQLite busy_timeout (ms), 0 = use default
}

// ApplyDefaults fills zero-value fields with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.ServerURL == "" {
		s.ServerURL = "http://127.0.0.1:8787"
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.FlushIntervalMs <= 0 {
		s.FlushIntervalMs = 5000
	}
	if s.BackgroundIntervalMs <= 0 {
		s.BackgroundIntervalMs = 60000
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 50
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 5
	}
	if s.RequestTimeoutMs <= 0 {
		s.RequestTimeoutMs = 10000
	}
	if s.DebounceMs <= 0 {
		s.DebounceMs = 100
	}
	if s.ErrorExpiryDays <= 0 {
		s.ErrorExpiryDays = 7
	}
	if len(s.EntityTypes) == 0 {
		s.EntityTypes = []string{"works", "collections", "annotations", "cards"}
	}
	if s.ScanMaxFiles <= 0 {
		s.ScanMaxFiles = 100
	}
	if s.ScanMaxDepth <= 0 {
		s.ScanMaxDepth = 5
	}
}

// FlushInterval returns the foreground flush interval as a duration.
func (s *Settings) FlushInterval() time.Duration {
	return time.Duration(s.FlushIntervalMs) * time.Millisecond
}

// BackgroundInterval returns the snapshot pull interval as a duration.
func (s *Settings) BackgroundInterval() time.Duration {
	return time.Duration(s.BackgroundIntervalMs) * time.Millisecond
}

// RequestTimeout returns the network request timeout as a duration.
func (s *Settings) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMs) * time.Millisecond
}

// Debounce returns the reconciliation debounce window as a duration.
func (s *Settings) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

// ErrorExpiry returns the error purge horizon as a duration.
func (s *Settings) ErrorExpiry() time.Duration {
	return time.Duration(s.ErrorExpiryDays) * 24 * time.Hour
}

// LoggingEnabled returns whether logging is enabled (any level other than "off" or empty).
func (s *Settings) LoggingEnabled() bool {
	level := strings.ToLower(s.LogLevel)
	return level != "" && level != "off" && level != "none"
}

// loadDefaultSettings parses default settings from the embedded artifact.
func loadDefaultSettings() Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	settings.ApplyDefaults()
	return settings
}

// LoadSettings loads the settings from {config_dir}/settings.yaml.
// Always reads from file to get latest config. Falls back to embedded
// defaults if the file doesn't exist.
func LoadSettings() (*Settings, error) {
	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			settings := loadDefaultSettings()
			return &settings, nil
		}
		return nil, err
	}

	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	settings.ApplyDefaults()
	return &settings, nil
}

// SaveSettings saves the settings to {config_dir}/settings.yaml
func SaveSettings(settings *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# RecallSync device settings\n# Values are re-read on every command start.\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}
