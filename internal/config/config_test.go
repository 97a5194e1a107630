// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// DEFAULTS & VALIDATION
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config fails validation: %v", err)
	}
	if cfg.Backend.BaseURL != "http://127.0.0.1:6888" {
		t.Errorf("Default BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.RequestTimeoutSecs != 120 {
		t.Errorf("Default timeout = %d", cfg.Backend.RequestTimeoutSecs)
	}
}

func TestValidate_BadBaseURL(t *testing.T) {
	cfg := Default()
	cfg.Backend.BaseURL = "ftp://wrong"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error for non-http URL")
	}
	var errs ValidateErrors
	if !errors.As(err, &errs) {
		t.Fatalf("Expected ValidateErrors, got %T", err)
	}
	if !strings.Contains(errs.Error(), "backend.base_url") {
		t.Errorf("Error missing field name: %v", errs)
	}
}

func TestValidate_NegativeTimeout(t *testing.T) {
	cfg := Default()
	cfg.Backend.RequestTimeoutSecs = -1
	if cfg.Validate() == nil {
		t.Error("Expected validation error for negative timeout")
	}
}

func TestValidate_ModelMissingName(t *testing.T) {
	cfg := Default()
	cfg.Models = []ModelEntry{{Provider: "openai"}}
	if cfg.Validate() == nil {
		t.Error("Expected validation error for unnamed model")
	}
}

func TestValidate_BadTheme(t *testing.T) {
	cfg := Default()
	cfg.UI.Theme = "neon"
	if cfg.Validate() == nil {
		t.Error("Expected validation error for unknown theme")
	}
}

func TestSetDefaults_FillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	if cfg.Backend.BaseURL == "" || cfg.UI.Theme == "" || cfg.Chat.LoadSessions == 0 {
		t.Errorf("SetDefaults left zero values: %+v", cfg)
	}
}

// =============================================================================
// TOML ROUND TRIP
// =============================================================================

func TestSaveAndLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultModel = "aiden-pro"
	cfg.Backend.DeviceID = "dev-123"
	cfg.Models = []ModelEntry{{
		Name:     "my-gpt",
		Provider: "openai",
		Endpoint: "https://api.example.com/v1",
		APIKey:   "sk-test",
		Thinking: true,
	}}

	if err := SaveTOML(cfg, path); err != nil {
		t.Fatalf("SaveTOML failed: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if loaded.DefaultModel != "aiden-pro" {
		t.Errorf("DefaultModel = %q", loaded.DefaultModel)
	}
	if loaded.Backend.DeviceID != "dev-123" {
		t.Errorf("DeviceID = %q", loaded.Backend.DeviceID)
	}
	entry, ok := loaded.ModelByName("my-gpt")
	if !ok {
		t.Fatal("Saved model entry missing after reload")
	}
	if !entry.Thinking || entry.Endpoint != "https://api.example.com/v1" {
		t.Errorf("Model entry round-trip: %+v", entry)
	}
}

func TestSaveTOML_SecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveTOML(Default(), path); err != nil {
		t.Fatalf("SaveTOML failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Config file mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestLoadFromPath_FixesInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveTOML(Default(), path); err != nil {
		t.Fatalf("SaveTOML failed: %v", err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}

	if _, err := LoadFromPath(path); err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("Load did not tighten permissions: %o", info.Mode().Perm())
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("AIDEN_BASE_URL", "http://10.0.0.5:7000")
	t.Setenv("AIDEN_TOKEN", "tok-env")
	t.Setenv("AIDEN_MODEL", "env-model")
	t.Setenv("AIDEN_TIMEOUT_SECS", "30")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Backend.BaseURL != "http://10.0.0.5:7000" {
		t.Errorf("BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.Token != "tok-env" {
		t.Errorf("Token = %q", cfg.Backend.Token)
	}
	if cfg.DefaultModel != "env-model" {
		t.Errorf("DefaultModel = %q", cfg.DefaultModel)
	}
	if cfg.Backend.RequestTimeoutSecs != 30 {
		t.Errorf("Timeout = %d", cfg.Backend.RequestTimeoutSecs)
	}
}

func TestApplyEnvOverrides_IgnoresBadTimeout(t *testing.T) {
	t.Setenv("AIDEN_TIMEOUT_SECS", "not-a-number")
	cfg := Default()
	cfg.ApplyEnvOverrides()
	if cfg.Backend.RequestTimeoutSecs != 120 {
		t.Errorf("Bad timeout value overrode default: %d", cfg.Backend.RequestTimeoutSecs)
	}
}

// =============================================================================
// GLOBAL SINGLETON
// =============================================================================

// TestConfig_ConcurrentAccess tests that Global(), SetGlobal(), and
// ReloadGlobal() can be safely called concurrently without race conditions.
// Run with: go test -race -v ./internal/config/
func TestConfig_ConcurrentAccess(t *testing.T) {
	ResetGlobalForTesting()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetGlobal(Default())
		}()
		go func() {
			defer wg.Done()
			if cfg := Global(); cfg == nil {
				t.Error("Global() returned nil")
			}
		}()
	}
	wg.Wait()
}
