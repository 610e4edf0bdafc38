package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// standardizes it to plain JSON, unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault behaves like Load but returns a defaulted config when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		cfg = &Config{}
		applyDefaults(cfg)
		return cfg, nil
	}
	return nil, err
}

// Parse decodes JSONC bytes into a defaulted Config.
func Parse(data []byte) (*Config, error) {
	// Templates live inside strings, so expand before standardizing.
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18430
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Events.LogLevel == "" {
		cfg.Events.LogLevel = "info"
	}
	if cfg.Models.CallTimeout == 0 {
		cfg.Models.CallTimeout = Duration(90 * time.Second)
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = filepath.Join(HomePath(), "agentrunner.db")
	}
	if cfg.Storage.ArtifactsDir == "" {
		cfg.Storage.ArtifactsDir = filepath.Join(HomePath(), "artifacts")
	}
	if cfg.Memory.SessionContext == 0 {
		cfg.Memory.SessionContext = 8
	}
	if cfg.Memory.LongTermContext == 0 {
		cfg.Memory.LongTermContext = 5
	}
	if cfg.Memory.SummarizeEvery == 0 {
		cfg.Memory.SummarizeEvery = 5
	}
	if cfg.Agent.ApprovalHorizon == nil {
		d := Duration(10 * time.Minute)
		cfg.Agent.ApprovalHorizon = &d
	}
	if cfg.Agent.ApprovalPoll == 0 {
		cfg.Agent.ApprovalPoll = Duration(2 * time.Second)
	}
	if cfg.Agent.StepTimeout == 0 {
		cfg.Agent.StepTimeout = Duration(2 * time.Minute)
	}
	if cfg.Dispatch.MaxConcurrent <= 0 {
		cfg.Dispatch.MaxConcurrent = 2
	}
	if cfg.Dispatch.PollInterval == 0 {
		cfg.Dispatch.PollInterval = Duration(5 * time.Second)
	}
	if cfg.Tools.Browser.Driver == "" {
		cfg.Tools.Browser.Driver = "static"
	}
	if cfg.Tools.Search.Provider == "" {
		cfg.Tools.Search.Provider = "duckduckgo"
	}
	if cfg.Tools.Search.MaxResults == 0 {
		cfg.Tools.Search.MaxResults = 5
	}
	if cfg.Tools.Search.Timeout == 0 {
		cfg.Tools.Search.Timeout = Duration(15 * time.Second)
	}
	if cfg.Tools.Browser.Timeout == 0 {
		cfg.Tools.Browser.Timeout = Duration(60 * time.Second)
	}
	if cfg.Janitor.Retention == 0 {
		cfg.Janitor.Retention = Duration(7 * 24 * time.Hour)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	// Auth resolution is deferred to models.ResolveAuth() at model init time.
}
