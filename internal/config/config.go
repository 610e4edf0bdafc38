package config

import "time"

// Config is the root configuration for the agent runner.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Models   ModelsConfig   `json:"models"`
	Events   EventsConfig   `json:"events"`
	Storage  StorageConfig  `json:"storage"`
	Memory   MemoryConfig   `json:"memory"`
	Agent    AgentConfig    `json:"agent"`
	Dispatch DispatchConfig `json:"dispatch"`
	Tools    ToolsConfig    `json:"tools"`
	Janitor  JanitorConfig  `json:"janitor"`
	Log      LogConfig      `json:"log"`
}

// GatewayConfig holds the HTTP API server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ModelsConfig holds model provider configuration.
type ModelsConfig struct {
	Default   string                    `json:"default"`
	Providers map[string]ProviderConfig `json:"providers"`
	// CallTimeout bounds every single completion request.
	CallTimeout Duration `json:"call_timeout,omitempty"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver    string         `json:"driver"` // "ollama", "openai", "anthropic", "gemini"
	Model     string         `json:"model"`
	BaseURL   string         `json:"base_url,omitempty"`
	Auth      AuthConfig     `json:"auth"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Timeout   Duration       `json:"timeout,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// AuthConfig configures API key resolution.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty"` // Direct API key, ${VAR} reference or ENC[age:...] blob
	Token  string `json:"token,omitempty"`   // Bearer token
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogLevel   string `json:"log_level"`
}

// StorageConfig locates the database and the per-run artifact directories.
type StorageConfig struct {
	DatabasePath string `json:"database_path"` // default: $AGENTRUNNER_PATH/agentrunner.db
	ArtifactsDir string `json:"artifacts_dir"` // default: $AGENTRUNNER_PATH/artifacts
}

// MemoryConfig configures session and long-term memory.
type MemoryConfig struct {
	// Disabled skips provisioning of the memory tables; the engine then runs without memory.
	Disabled        bool   `json:"disabled"`
	ValidationModel string `json:"validation_model,omitempty"`
	SummaryModel    string `json:"summary_model,omitempty"`
	SessionContext  int    `json:"session_context"`   // last-N session items fed to the planner
	LongTermContext int    `json:"long_term_context"` // max long-term items fed to the planner
	SummarizeEvery  int    `json:"summarize_every"`   // session items between long-term summaries
}

// AgentConfig holds execution loop defaults.
type AgentConfig struct {
	PlannerModel         string       `json:"planner_model,omitempty"`
	GuardModel           string       `json:"guard_model,omitempty"`
	ValidatorModel       string       `json:"validator_model,omitempty"`
	Settings             PlanSettings `json:"settings"`
	RequireHumanApproval bool         `json:"require_human_approval"`
	// ApprovalHorizon left unset waits 10m; an explicit "0s" parks at once.
	ApprovalHorizon *Duration `json:"approval_horizon,omitempty"`
	ApprovalPoll    Duration  `json:"approval_poll,omitempty"`
	StepTimeout     Duration  `json:"step_timeout,omitempty"`
}

// PlanSettings mirrors the per-run plan settings. Nil fields fall back to defaults.
type PlanSettings struct {
	MaxSteps           *int `json:"max_steps,omitempty"`
	MaxStepAttempts    *int `json:"max_step_attempts,omitempty"`
	MaxReplanCalls     *int `json:"max_replan_calls,omitempty"`
	ReplanEverySteps   *int `json:"replan_every_steps,omitempty"`
	MaxSelfChecks      *int `json:"max_self_checks,omitempty"`
	LoopGuardThreshold *int `json:"loop_guard_threshold,omitempty"`
	LoopBackoffBaseMs  *int `json:"loop_backoff_base_ms,omitempty"`
	LoopBackoffMaxMs   *int `json:"loop_backoff_max_ms,omitempty"`
}

// DispatchConfig configures the background run dispatcher.
type DispatchConfig struct {
	MaxConcurrent int      `json:"max_concurrent"`
	PollInterval  Duration `json:"poll_interval,omitempty"`
}

// ToolsConfig configures the tool executors.
type ToolsConfig struct {
	Browser BrowserConfig `json:"browser"`
	Search  SearchConfig  `json:"search"`
}

// SearchConfig configures the web search seeding search-first steps.
type SearchConfig struct {
	Provider   string   `json:"provider"` // "duckduckgo" or "none"
	MaxResults int      `json:"max_results,omitempty"`
	Timeout    Duration `json:"timeout,omitempty"`
}

// BrowserConfig selects the browser driver backing the "playwright" tool.
type BrowserConfig struct {
	Driver   string   `json:"driver"`             // "remote" or "static"
	Endpoint string   `json:"endpoint,omitempty"` // remote automation service base URL
	Timeout  Duration `json:"timeout,omitempty"`
}

// JanitorConfig configures the scheduled purge of old terminal runs.
type JanitorConfig struct {
	Schedule  string   `json:"schedule"`  // 5-field cron expression, empty disables
	Retention Duration `json:"retention"` // terminal runs older than this are deleted
	Scope     string   `json:"scope"`     // "finished" (default) or "terminal"
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "text" or "json"
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Horizon returns the approval horizon, reading an unset value as zero.
func (a AgentConfig) Horizon() time.Duration {
	if a.ApprovalHorizon == nil {
		return 0
	}
	return a.ApprovalHorizon.Duration()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
