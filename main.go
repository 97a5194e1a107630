// aiden-tui - A terminal chat client for the aiden agent backend.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/morganforge/aiden-tui/internal/agent"
	"github.com/morganforge/aiden-tui/internal/chat"
	"github.com/morganforge/aiden-tui/internal/cli"
	"github.com/morganforge/aiden-tui/internal/config"
	"github.com/morganforge/aiden-tui/internal/index"
	"github.com/morganforge/aiden-tui/internal/policy"
	"github.com/morganforge/aiden-tui/internal/storage"
	"github.com/morganforge/aiden-tui/internal/telemetry"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (default ~/.aiden/config.toml)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("aiden-tui %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "aiden-tui: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	config.SetGlobal(cfg)

	// A stable device ID is required by the backend; generate one on
	// first run and persist it.
	if cfg.Backend.DeviceID == "" {
		cfg.Backend.DeviceID = uuid.NewString()
		if err := config.Save(cfg); err != nil {
			log.Printf("[Config] WARNING: could not persist device ID: %v", err)
		}
	}

	client := agent.NewClient(cfg.Backend.BaseURL, cfg.Backend.DeviceID, func() string {
		return cfg.Backend.Token
	})
	if tag, err := language.Parse(cfg.Backend.Language); err == nil {
		client = client.WithLanguage(tag)
	}
	if cfg.Backend.RequestTimeoutSecs > 0 {
		client = client.WithTimeout(time.Duration(cfg.Backend.RequestTimeoutSecs) * time.Second)
	}

	configDir, err := config.ConfigDir()
	if err != nil {
		return fmt.Errorf("resolving config dir: %w", err)
	}

	pol, err := policy.NewStore(configDir)
	if err != nil {
		log.Printf("[Policy] WARNING: approval store unavailable: %v", err)
		pol = nil
	}
	var approvals agent.PolicyStore
	if pol != nil {
		approvals = pol
	}

	prompter := cli.NewTerminalPrompter()
	engine := agent.NewEngine(client, approvals, prompter)
	registry := agent.NewRegistry()

	persist, err := storage.NewSessionStore()
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	if cfg.Chat.MaxSessions > 0 {
		persist.MaxSessions = cfg.Chat.MaxSessions
	}

	var stats *telemetry.Recorder
	if cfg.Chat.TelemetryEnabled {
		stats, err = telemetry.NewRecorder("")
		if err != nil {
			log.Printf("[Telemetry] WARNING: recorder unavailable: %v", err)
			stats = nil
		}
	}

	// The search index tails the session directory so saves made by
	// streaming goroutines show up in /search without an explicit sync.
	var searchIdx *index.SessionIndex
	searchIdx, err = index.Open(filepath.Join(configDir, "index.db"), persist.BaseDir)
	if err != nil {
		log.Printf("[Index] WARNING: search index unavailable: %v", err)
		searchIdx = nil
	} else {
		defer searchIdx.Close()
		if err := searchIdx.Reindex(); err != nil {
			log.Printf("[Index] WARNING: reindex failed: %v", err)
		}
		if err := searchIdx.Watch(); err != nil {
			log.Printf("[Index] WARNING: watch failed: %v", err)
		}
	}

	store := chat.NewStore(engine, registry, persist, stats)
	if err := store.LoadSessions(cfg.Chat.LoadSessions); err != nil {
		log.Printf("[Chat] WARNING: could not load sessions: %v", err)
	}
	defer store.StopAll()

	repl := cli.NewREPL(cfg, store, stats, pol, searchIdx)
	return repl.Run()
}

// loadConfig loads the config from an explicit path or the default
// location, creating a default config file on first run.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}
