// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for aiden-tui.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file location:
//   - ~/.aiden/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete aiden-tui configuration.
type Config struct {
	// General settings
	Version      string `toml:"version"`
	DefaultModel string `toml:"default_model"`

	// Backend transport configuration
	Backend BackendConfig `toml:"backend"`

	// Custom model entries (user-supplied providers)
	Models []ModelEntry `toml:"models"`

	// Chat behavior configuration
	Chat ChatConfig `toml:"chat"`

	// UI configuration
	UI UIConfig `toml:"ui"`
}

// BackendConfig contains agent backend transport configuration.
type BackendConfig struct {
	// BaseURL is the agent backend address
	BaseURL string `toml:"base_url"`
	// DeviceID identifies this install; generated on first run if empty
	DeviceID string `toml:"device_id"`
	// Language is the BCP 47 tag sent as Accept-Language
	Language string `toml:"language"`
	// RequestTimeoutSecs bounds one exchange, measured from open
	RequestTimeoutSecs int `toml:"request_timeout_secs"`
	// Token is the bearer token for authenticated backends
	Token string `toml:"token"`
}

// ModelEntry is one user-configured model binding.
type ModelEntry struct {
	Name     string `toml:"name"`
	Provider string `toml:"provider"`
	Endpoint string `toml:"endpoint"`
	APIKey   string `toml:"api_key"`
	// Thinking marks reasoning-heavy models; the transport scales its
	// request timeout up for them
	Thinking bool `toml:"thinking"`
}

// ChatConfig contains chat behavior configuration.
type ChatConfig struct {
	// MaxSessions limits stored sessions (0 = unlimited)
	MaxSessions int `toml:"max_sessions"`
	// LoadSessions is how many recent sessions to restore at startup
	LoadSessions int `toml:"load_sessions"`
	// TelemetryEnabled records local stream timing stats
	TelemetryEnabled bool `toml:"telemetry_enabled"`
}

// UIConfig contains UI configuration.
type UIConfig struct {
	// Theme is the UI theme: "dark", "light", "auto"
	Theme string `toml:"theme"`
	// RenderMarkdown renders assistant output through glamour
	RenderMarkdown bool `toml:"render_markdown"`
	// ShowStats prints per-exchange timing after each reply
	ShowStats bool `toml:"show_stats"`
	// CompactMode uses a more compact layout
	CompactMode bool `toml:"compact_mode"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version:      "1.0.0",
		DefaultModel: "aiden-default",

		Backend: BackendConfig{
			BaseURL:            "http://127.0.0.1:6888",
			Language:           "en-US",
			RequestTimeoutSecs: 120,
		},

		Chat: ChatConfig{
			MaxSessions:      200,
			LoadSessions:     50,
			TelemetryEnabled: true,
		},

		UI: UIConfig{
			Theme:          "dark",
			RenderMarkdown: true,
			ShowStats:      false,
			CompactMode:    false,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the aiden configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".aiden"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", info.Mode().Perm(), err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file, falling back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := loadTOML(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := loadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
// SECURITY: Checks and fixes file permissions on load.
func loadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all systems.
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# aiden-tui configuration file")
	fmt.Fprintln(file, "# Generated by aiden-tui - edit with care")
	fmt.Fprintln(file, "")

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Backend.BaseURL != "" {
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, ValidationError{
				Field:   "backend.base_url",
				Message: fmt.Sprintf("invalid URL '%s'", c.Backend.BaseURL),
			})
		}
	}

	if c.Backend.RequestTimeoutSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "backend.request_timeout_secs",
			Message: "must be non-negative",
		})
	}

	if c.Chat.MaxSessions < 0 {
		errs = append(errs, ValidationError{
			Field:   "chat.max_sessions",
			Message: "must be non-negative",
		})
	}

	for i, m := range c.Models {
		if m.Name == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("models[%d].name", i),
				Message: "must not be empty",
			})
		}
		if m.Endpoint != "" {
			if _, err := url.Parse(m.Endpoint); err != nil {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("models[%d].endpoint", i),
					Message: fmt.Sprintf("invalid URL: %v", err),
				})
			}
		}
	}

	validThemes := map[string]bool{"dark": true, "light": true, "auto": true}
	if !validThemes[strings.ToLower(c.UI.Theme)] {
		errs = append(errs, ValidationError{
			Field:   "ui.theme",
			Message: fmt.Sprintf("invalid theme '%s', must be one of: dark, light, auto", c.UI.Theme),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults sets default values for any missing or zero-value fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.DefaultModel == "" {
		c.DefaultModel = defaults.DefaultModel
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = defaults.Backend.BaseURL
	}
	if c.Backend.Language == "" {
		c.Backend.Language = defaults.Backend.Language
	}
	if c.Backend.RequestTimeoutSecs == 0 {
		c.Backend.RequestTimeoutSecs = defaults.Backend.RequestTimeoutSecs
	}
	if c.Chat.MaxSessions == 0 {
		c.Chat.MaxSessions = defaults.Chat.MaxSessions
	}
	if c.Chat.LoadSessions == 0 {
		c.Chat.LoadSessions = defaults.Chat.LoadSessions
	}
	if c.UI.Theme == "" {
		c.UI.Theme = defaults.UI.Theme
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - AIDEN_BASE_URL: overrides backend.base_url
//   - AIDEN_TOKEN: overrides backend.token
//   - AIDEN_DEVICE_ID: overrides backend.device_id
//   - AIDEN_LANGUAGE: overrides backend.language
//   - AIDEN_MODEL: overrides default_model
//   - AIDEN_TIMEOUT_SECS: overrides backend.request_timeout_secs
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("AIDEN_BASE_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("AIDEN_TOKEN"); v != "" {
		c.Backend.Token = v
	}
	if v := os.Getenv("AIDEN_DEVICE_ID"); v != "" {
		c.Backend.DeviceID = v
	}
	if v := os.Getenv("AIDEN_LANGUAGE"); v != "" {
		c.Backend.Language = v
	}
	if v := os.Getenv("AIDEN_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("AIDEN_TIMEOUT_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Backend.RequestTimeoutSecs = secs
		}
	}
}

// =============================================================================
// MODEL LOOKUP
// =============================================================================

// ModelByName returns the configured model entry with the given name.
func (c *Config) ModelByName(name string) (ModelEntry, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelEntry{}, false
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance. Loads configuration on
// first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfig = cfg
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state between test runs.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
