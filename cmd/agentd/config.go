package main

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"

	"devagent/agent"
)

// AgentConfig is read from devagent.json in the working directory and
// overlaid with AGENT_* environment variables.
type AgentConfig struct {
	Addr            string   `json:"addr" env:"AGENT_ADDR"`
	MediaDir        string   `json:"media_dir" env:"AGENT_MEDIA_DIR"`
	MediaTypes      []string `json:"media_types" env:"AGENT_MEDIA_TYPES" envSeparator:","`
	WatchMedia      bool     `json:"watch_media" env:"AGENT_WATCH_MEDIA"`
	ScriptShell     string   `json:"script_shell" env:"AGENT_SCRIPT_SHELL"`
	ScriptTimeoutMs int      `json:"script_timeout_ms" env:"AGENT_SCRIPT_TIMEOUT_MS"`
	StreamGraceMs   int      `json:"stream_grace_ms" env:"AGENT_STREAM_GRACE_MS"`

	// Secret for HMAC JWTs (HS256). Auth is disabled when empty.
	JWTSecret string `json:"jwt_secret" env:"AGENT_JWT_SECRET"`
}

func defaultConfig() *AgentConfig {
	return &AgentConfig{
		Addr:            ":8100",
		MediaDir:        "media",
		MediaTypes:      agent.DefaultMediaTypes,
		WatchMedia:      true,
		ScriptShell:     "/bin/sh",
		ScriptTimeoutMs: 30000, // 30s
		StreamGraceMs:   5000,  // 5s
	}
}

// loadConfig reads devagent.json from root, falls back to defaults on
// any error, validates the result and finally applies env overrides.
func loadConfig(root string) *AgentConfig {
	def := defaultConfig()
	cfg := def

	cfgPath := filepath.Join(root, "devagent.json")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		log.Printf("[config] no devagent.json found at %s, using defaults: %v", cfgPath, err)
	} else {
		var loaded AgentConfig
		if err := json.Unmarshal(data, &loaded); err != nil {
			log.Printf("[config] invalid devagent.json (%s), using defaults: %v", cfgPath, err)
		} else {
			cfg = &loaded
		}
	}

	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}

	if cfg.MediaDir == "" {
		log.Printf("[config] media_dir is empty, falling back to %q", def.MediaDir)
		cfg.MediaDir = def.MediaDir
	}

	if len(cfg.MediaTypes) == 0 {
		log.Printf("[config] media_types missing, using defaults: %v", def.MediaTypes)
		cfg.MediaTypes = def.MediaTypes
	}

	if cfg.ScriptShell == "" {
		cfg.ScriptShell = def.ScriptShell
	}

	if cfg.ScriptTimeoutMs <= 0 {
		log.Printf("[config] script_timeout_ms=%d is invalid, falling back to %dms", cfg.ScriptTimeoutMs, def.ScriptTimeoutMs)
		cfg.ScriptTimeoutMs = def.ScriptTimeoutMs
	}

	if cfg.StreamGraceMs <= 0 {
		log.Printf("[config] stream_grace_ms=%d is invalid, falling back to %dms", cfg.StreamGraceMs, def.StreamGraceMs)
		cfg.StreamGraceMs = def.StreamGraceMs
	}

	if err := env.Parse(cfg); err != nil {
		log.Printf("[config] env override parse error: %v", err)
	}

	return cfg
}
