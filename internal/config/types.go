package config

import (
	"strconv"
	"time"
)

// Default tuning constants shared across binaries.
const (
	DefaultChatTimeout   = 120 * time.Second
	DefaultEmbedTimeout  = 30 * time.Second
	DefaultHealthTimeout = 5 * time.Second

	DefaultStopGrace         = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second

	DefaultRouterThreshold = 0.11593

	DefaultIngestRatePerMin     = 60
	DefaultQuarantineMaxLines   = 500
	DefaultQuarantineMaxPayload = 2000

	DefaultRingSize       = 1000
	DefaultJSONLMaxBytes  = 10 * 1024 * 1024
	DefaultJSONLBackups   = 3
	DefaultArchiveAge     = 24 * time.Hour
	DefaultReflectEvery   = 30 * time.Minute
	DefaultReflectMinTurn = 10
)

// Config is the root configuration shared by every kait binary. Values are
// layered: defaults, then ~/.kait/config.yaml, then KAIT_* environment.
type Config struct {
	Observer   ObserverConfig   `yaml:"observer" mapstructure:"observer"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Router     RouterConfig     `yaml:"router" mapstructure:"router"`
	Ollama     OllamaConfig     `yaml:"ollama" mapstructure:"ollama"`
	Claude     ClaudeConfig     `yaml:"claude" mapstructure:"claude"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	LiteLLM    LiteLLMConfig    `yaml:"litellm" mapstructure:"litellm"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Reflection ReflectionConfig `yaml:"reflection" mapstructure:"reflection"`
	Supervisor SupervisorConfig `yaml:"supervisor" mapstructure:"supervisor"`
}

// ObserverConfig tunes the LLM observability ring and its JSONL sink.
type ObserverConfig struct {
	Enabled       bool  `yaml:"enabled" mapstructure:"enabled"`
	RingSize      int   `yaml:"ring_size" mapstructure:"ring_size"`
	JSONLMaxBytes int64 `yaml:"jsonl_max_bytes" mapstructure:"jsonl_max_bytes"`
	JSONLBackups  int   `yaml:"jsonl_backups" mapstructure:"jsonl_backups"`
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" mapstructure:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" mapstructure:"recovery_timeout"`
	HalfOpenTests    int           `yaml:"half_open_tests" mapstructure:"half_open_tests"`
}

// RouterConfig tunes complexity-based provider routing.
type RouterConfig struct {
	Enabled   bool    `yaml:"enabled" mapstructure:"enabled"`
	Type      string  `yaml:"type" mapstructure:"type"`
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
	Strong    string  `yaml:"strong" mapstructure:"strong"`
}

// OllamaConfig locates the local LLM daemon, optionally through an
// Olla-style proxy.
type OllamaConfig struct {
	Host        string `yaml:"host" mapstructure:"host"`
	Port        int    `yaml:"port" mapstructure:"port"`
	Model       string `yaml:"model" mapstructure:"model"`
	OllaEnabled bool   `yaml:"olla_enabled" mapstructure:"olla_enabled"`
	OllaHost    string `yaml:"olla_host" mapstructure:"olla_host"`
	OllaPort    int    `yaml:"olla_port" mapstructure:"olla_port"`
}

// BaseURL returns the effective Ollama endpoint, honouring the proxy.
func (c OllamaConfig) BaseURL() string {
	host, port := c.Host, c.Port
	if c.OllaEnabled {
		host, port = c.OllaHost, c.OllaPort
	}
	return "http://" + host + ":" + strconv.Itoa(port)
}

// ClaudeConfig configures the Anthropic adapter.
type ClaudeConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	Model  string `yaml:"model" mapstructure:"model"`
}

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	Model  string `yaml:"model" mapstructure:"model"`
}

// LiteLLMConfig configures the LiteLLM proxy adapter.
type LiteLLMConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Host        string `yaml:"host" mapstructure:"host"`
	Port        int    `yaml:"port" mapstructure:"port"`
	MasterKey   string `yaml:"master_key" mapstructure:"master_key"`
	ClaudeModel string `yaml:"claude_model" mapstructure:"claude_model"`
	OpenAIModel string `yaml:"openai_model" mapstructure:"openai_model"`
}

// BaseURL returns the proxy endpoint.
func (c LiteLLMConfig) BaseURL() string {
	return "http://" + c.Host + ":" + strconv.Itoa(c.Port)
}

// IngestConfig tunes the /ingest endpoint.
type IngestConfig struct {
	Token              string `yaml:"token" mapstructure:"token"`
	RatePerMinute      int    `yaml:"rate_per_minute" mapstructure:"rate_per_minute"`
	QuarantineMaxLines int    `yaml:"quarantine_max_lines" mapstructure:"quarantine_max_lines"`
	QuarantineMaxChars int    `yaml:"quarantine_max_chars" mapstructure:"quarantine_max_chars"`
}

// ReflectionConfig tunes the reflection scheduler.
type ReflectionConfig struct {
	MinInteractions int           `yaml:"min_interactions" mapstructure:"min_interactions"`
	Interval        time.Duration `yaml:"interval" mapstructure:"interval"`
	ArchiveAge      time.Duration `yaml:"archive_age" mapstructure:"archive_age"`
}

// SupervisorConfig tunes worker lifecycle management.
type SupervisorConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	StopGrace         time.Duration `yaml:"stop_grace" mapstructure:"stop_grace"`
	RestartMax        int           `yaml:"restart_max" mapstructure:"restart_max"`
	RestartWindow     time.Duration `yaml:"restart_window" mapstructure:"restart_window"`
	MatrixEnabled     bool          `yaml:"matrix_enabled" mapstructure:"matrix_enabled"`
}

// Default returns the built-in configuration before file and env layering.
func Default() Config {
	return Config{
		Observer: ObserverConfig{
			Enabled:       true,
			RingSize:      DefaultRingSize,
			JSONLMaxBytes: DefaultJSONLMaxBytes,
			JSONLBackups:  DefaultJSONLBackups,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 3,
			RecoveryTimeout:  60 * time.Second,
			HalfOpenTests:    2,
		},
		Router: RouterConfig{
			Enabled:   false,
			Type:      "mf",
			Threshold: DefaultRouterThreshold,
			Strong:    "claude",
		},
		Ollama: OllamaConfig{
			Host:     "localhost",
			Port:     11434,
			OllaHost: "localhost",
			OllaPort: 11435,
		},
		Claude: ClaudeConfig{
			Model: "claude-sonnet-4-20250514",
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-4o",
		},
		LiteLLM: LiteLLMConfig{
			Host:        "localhost",
			Port:        4000,
			ClaudeModel: "claude-default",
			OpenAIModel: "openai-default",
		},
		Ingest: IngestConfig{
			RatePerMinute:      DefaultIngestRatePerMin,
			QuarantineMaxLines: DefaultQuarantineMaxLines,
			QuarantineMaxChars: DefaultQuarantineMaxPayload,
		},
		Reflection: ReflectionConfig{
			MinInteractions: DefaultReflectMinTurn,
			Interval:        DefaultReflectEvery,
			ArchiveAge:      DefaultArchiveAge,
		},
		Supervisor: SupervisorConfig{
			HeartbeatInterval: DefaultHeartbeatInterval,
			StopGrace:         DefaultStopGrace,
			RestartMax:        5,
			RestartWindow:     10 * time.Minute,
		},
	}
}
