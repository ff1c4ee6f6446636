package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load builds the effective configuration: defaults, then the optional
// config file in the state directory, then the documented KAIT_* environment
// variables. A missing config file is not an error.
func Load() (Config, error) {
	// Best effort: a repo-local .env mirrors how the workers are launched
	// in development.
	_ = godotenv.Load()

	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(StateDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
	} else if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overlays the documented environment variables onto cfg. Explicit
// names beat viper's automatic binding here because several variables carry
// unit suffixes (RECOVERY_TIMEOUT_S) or legacy aliases (ANTHROPIC_API_KEY).
func applyEnv(cfg *Config) {
	// Observability ring.
	cfg.Observer.Enabled = EnvFlag("LLM_OBS_ENABLED", cfg.Observer.Enabled)
	cfg.Observer.JSONLMaxBytes = int64(EnvInt("LLM_OBS_JSONL_MAX_BYTES", int(cfg.Observer.JSONLMaxBytes)))
	cfg.Observer.JSONLBackups = EnvInt("LLM_OBS_JSONL_BACKUPS", cfg.Observer.JSONLBackups)

	// Circuit breakers.
	cfg.Breaker.Enabled = EnvFlag("CB_ENABLED", cfg.Breaker.Enabled)
	cfg.Breaker.FailureThreshold = EnvInt("CB_FAILURE_THRESHOLD", cfg.Breaker.FailureThreshold)
	if s := EnvInt("CB_RECOVERY_TIMEOUT_S", 0); s > 0 {
		cfg.Breaker.RecoveryTimeout = time.Duration(s) * time.Second
	}
	cfg.Breaker.HalfOpenTests = EnvInt("CB_HALF_OPEN_TESTS", cfg.Breaker.HalfOpenTests)

	// Router.
	cfg.Router.Enabled = EnvFlag("ROUTER_ENABLED", cfg.Router.Enabled)
	cfg.Router.Type = Env("ROUTER_TYPE", cfg.Router.Type)
	cfg.Router.Threshold = EnvFloat("ROUTER_THRESHOLD", cfg.Router.Threshold)
	cfg.Router.Strong = Env("ROUTER_STRONG", cfg.Router.Strong)

	// Local LLM.
	cfg.Ollama.Host = Env("OLLAMA_HOST", cfg.Ollama.Host)
	cfg.Ollama.Port = EnvInt("OLLAMA_PORT", cfg.Ollama.Port)
	cfg.Ollama.Model = Env("OLLAMA_MODEL", cfg.Ollama.Model)
	cfg.Ollama.OllaEnabled = EnvFlag("OLLA_ENABLED", cfg.Ollama.OllaEnabled)
	cfg.Ollama.OllaHost = Env("OLLA_HOST", cfg.Ollama.OllaHost)
	cfg.Ollama.OllaPort = EnvInt("OLLA_PORT", cfg.Ollama.OllaPort)

	// Cloud providers. ANTHROPIC_API_KEY and CLAUDE_API_KEY are both accepted.
	if k := os.Getenv("ANTHROPIC_API_KEY"); k != "" {
		cfg.Claude.APIKey = k
	} else if k := os.Getenv("CLAUDE_API_KEY"); k != "" {
		cfg.Claude.APIKey = k
	}
	cfg.Claude.Model = Env("CLAUDE_MODEL", cfg.Claude.Model)
	if k := os.Getenv("OPENAI_API_KEY"); k != "" {
		cfg.OpenAI.APIKey = k
	}
	cfg.OpenAI.Model = Env("OPENAI_MODEL", cfg.OpenAI.Model)

	// LiteLLM proxy.
	cfg.LiteLLM.Enabled = EnvFlag("LITELLM_ENABLED", cfg.LiteLLM.Enabled)
	cfg.LiteLLM.Host = Env("LITELLM_HOST", cfg.LiteLLM.Host)
	cfg.LiteLLM.Port = EnvInt("LITELLM_PORT", cfg.LiteLLM.Port)
	cfg.LiteLLM.MasterKey = Env("LITELLM_MASTER_KEY", cfg.LiteLLM.MasterKey)
	cfg.LiteLLM.ClaudeModel = Env("LITELLM_CLAUDE_MODEL", cfg.LiteLLM.ClaudeModel)
	cfg.LiteLLM.OpenAIModel = Env("LITELLM_OPENAI_MODEL", cfg.LiteLLM.OpenAIModel)

	// Ingest.
	if t := os.Getenv("KAITD_TOKEN"); t != "" {
		cfg.Ingest.Token = t
	}
	cfg.Ingest.RatePerMinute = EnvInt("INGEST_RATE_PER_MIN", cfg.Ingest.RatePerMinute)

	// Supervisor.
	cfg.Supervisor.MatrixEnabled = EnvFlag("MATRIX_ENABLED", cfg.Supervisor.MatrixEnabled)
}

// PluginOnly reports whether the watchdog must restrict restarts to core
// services: either KAIT_PLUGIN_ONLY is truthy or the sentinel file exists.
func PluginOnly() bool {
	if EnvFlag("PLUGIN_ONLY", false) {
		return true
	}
	_, err := os.Stat(PluginOnlySentinelPath())
	return err == nil
}

// Save writes the configuration to the state directory as YAML.
func Save(cfg Config) error {
	dir, err := EnsureStateDir()
	if err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("observer", cfg.Observer)
	v.Set("breaker", cfg.Breaker)
	v.Set("router", cfg.Router)
	v.Set("ollama", cfg.Ollama)
	v.Set("litellm", cfg.LiteLLM)
	v.Set("ingest", cfg.Ingest)
	v.Set("reflection", cfg.Reflection)
	v.Set("supervisor", cfg.Supervisor)
	return v.WriteConfigAs(filepath.Join(dir, "config.yaml"))
}
