// Package config loads pipeline configuration from a YAML file and
// environment variables.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Agent     AgentConfig     `koanf:"agent"`
	Batcher   BatcherConfig   `koanf:"batcher"`
	Reclaimer ReclaimerConfig `koanf:"reclaimer"`
	Archive   ArchiveConfig   `koanf:"archive"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

// AgentConfig describes the remote agent service the pipeline streams from.
type AgentConfig struct {
	// Transport selects the channel type: "sse" or "websocket".
	Transport string `koanf:"transport"`
	// URL is the SSE endpoint or WebSocket URL of the agent service.
	URL string `koanf:"url"`
	// Token is the bearer credential attached to the outbound request.
	// Supports ${VAR} substitution from the environment.
	Token string `koanf:"token"`
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// BatcherConfig tunes the adaptive debounce and circuit breaker.
type BatcherConfig struct {
	BaseDelay         time.Duration `koanf:"base_delay"`
	PerEventDelay     time.Duration `koanf:"per_event_delay"`
	MaxDelay          time.Duration `koanf:"max_delay"`
	MaxBatchSize      int           `koanf:"max_batch_size"`
	ThrottleThreshold int           `koanf:"throttle_threshold"`
	MinFlushInterval  time.Duration `koanf:"min_flush_interval"`
	// SamplePolicy selects how oversized content bursts are reduced:
	// "stride" keeps every Nth event, "latest" keeps the most recent.
	SamplePolicy string `koanf:"sample_policy"`
}

// ReclaimerConfig tunes message store compaction.
type ReclaimerConfig struct {
	Interval      time.Duration `koanf:"interval"`
	MaxMessages   int           `koanf:"max_messages"`
	PreserveLastN int           `koanf:"preserve_last_n"`
	// PressureTokens triggers an on-demand cleanup when a thread's
	// estimated token footprint crosses this threshold. 0 disables.
	PressureTokens int `koanf:"pressure_tokens"`
}

// ArchiveConfig configures the finalized-message persistence collaborator.
type ArchiveConfig struct {
	Type   string       `koanf:"type"` // sqlite, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml (if present) and AGENTSTREAM_-prefixed environment
// variables, applies defaults, and unmarshals into a Config.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit file path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("AGENTSTREAM_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "AGENTSTREAM_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Agent.Token = substituteEnvVars(cfg.Agent.Token)

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                8080,
		"agent.transport":            "sse",
		"agent.connect_timeout":      "30s",
		"batcher.base_delay":         "50ms",
		"batcher.per_event_delay":    "2ms",
		"batcher.max_delay":          "200ms",
		"batcher.max_batch_size":     50,
		"batcher.throttle_threshold": 100,
		"batcher.min_flush_interval": "25ms",
		"batcher.sample_policy":      "stride",
		"reclaimer.interval":         "30s",
		"reclaimer.max_messages":     200,
		"reclaimer.preserve_last_n":  50,
		"archive.type":               "none",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
