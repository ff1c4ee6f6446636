package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Env reads an environment variable, preferring the KAIT_-prefixed form.
// Env("OLLAMA_HOST", d) checks KAIT_OLLAMA_HOST, then OLLAMA_HOST, then d.
func Env(name, fallback string) string {
	if v := os.Getenv("KAIT_" + name); v != "" {
		return v
	}
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// EnvFlag interprets an environment variable as a boolean. Truthy values
// are 1, true, yes, on and y (case-insensitive).
func EnvFlag(name string, fallback bool) bool {
	v := Env(name, "")
	if v == "" {
		return fallback
	}
	return Truthy(v)
}

// Truthy reports whether a raw string is an affirmative flag value.
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "y":
		return true
	}
	return false
}

// EnvInt reads an integer environment variable, falling back on parse errors.
func EnvInt(name string, fallback int) int {
	v := Env(name, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

// EnvFloat reads a float environment variable, falling back on parse errors.
func EnvFloat(name string, fallback float64) float64 {
	v := Env(name, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return f
}

// Default service ports. Every service binds 127.0.0.1 only.
const (
	DefaultKaitdPort        = 8787
	DefaultPulsePort        = 8765
	DefaultMindPort         = 8080
	DefaultMatrixWorkerPort = 8769

	LocalHost = "127.0.0.1"
)

func KaitdPort() int        { return EnvInt("KAITD_PORT", DefaultKaitdPort) }
func PulsePort() int        { return EnvInt("KAIT_PULSE_PORT", DefaultPulsePort) }
func MindPort() int         { return EnvInt("KAIT_MIND_PORT", DefaultMindPort) }
func MatrixWorkerPort() int { return EnvInt("KAIT_MATRIX_WORKER_PORT", DefaultMatrixWorkerPort) }

// BuildURL composes a localhost base URL for a service port.
func BuildURL(port int) string {
	return fmt.Sprintf("http://%s:%d", LocalHost, port)
}

// KaitdURL returns the ingest daemon base URL, honouring KAITD_URL.
func KaitdURL() string {
	if v := os.Getenv("KAITD_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return BuildURL(KaitdPort())
}

// KaitdHealthURL is the liveness probe for the ingest daemon.
func KaitdHealthURL() string { return KaitdURL() + "/health" }

// PulseStatusURL is the status endpoint of the pulse server.
func PulseStatusURL() string { return BuildURL(PulsePort()) + "/api/status" }

// IngestToken resolves the bearer token for /ingest: explicit value first,
// then KAITD_TOKEN, then the token file in the state directory.
func IngestToken(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv("KAITD_TOKEN"); v != "" {
		return v
	}
	data, err := os.ReadFile(IngestTokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
