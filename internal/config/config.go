// Package config loads cortexd's YAML configuration, grounded on the
// teacher's gopkg.in/yaml.v3-based internal/config package. Config loading
// itself is out of this project's functional scope (the runtime's public
// contract starts at HTTP ingress), but the ambient shape — a typed struct
// with yaml tags split by concern, a thin os.ExpandEnv-aware loader, and a
// Validate pass — is carried anyway, the way the teacher carries it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP boundary (C13).
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	IngestAPIKey string `yaml:"ingest_api_key"`
}

// LLMConfig configures the chat-completion and extraction models (C7, C11).
type LLMConfig struct {
	SynapseURL       string `yaml:"synapse_url"`
	Model            string `yaml:"model"`
	ExtractionModel  string `yaml:"extraction_model"`
}

// MemoryConfig configures the memory service client (C8).
type MemoryConfig struct {
	EngramURL string `yaml:"engram_url"`
}

// ExtractionConfig configures the extraction pipeline's trigger cadence
// (C11).
type ExtractionConfig struct {
	Interval int `yaml:"extraction_interval"`
}

// OutboxConfig configures default poll parameters and retry limits (C3).
type OutboxConfig struct {
	PollDefaultBatch int `yaml:"outbox_poll_default_batch"`
	LeaseSeconds     int `yaml:"outbox_lease_seconds"`
	MaxAttempts      int `yaml:"outbox_max_attempts"`
}

// AgentConfig configures the tool-calling loop (C10).
type AgentConfig struct {
	ToolTimeoutMS int `yaml:"tool_timeout_ms"`
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

// ProcessorConfig configures the single-consumer processing loop (C12).
type ProcessorConfig struct {
	PollBusyMS int `yaml:"poll_busy_ms"`
	PollIdleMS int `yaml:"poll_idle_ms"`
}

// DatabaseConfig configures the embedded store's file location (C1).
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures the ambient structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is cortexd's full configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	LLM        LLMConfig        `yaml:"llm"`
	Memory     MemoryConfig     `yaml:"memory"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Agent      AgentConfig      `yaml:"agent"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Default returns a Config with every §6.4 numeric default applied.
func Default() Config {
	return Config{
		Server:     ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database:   DatabaseConfig{Path: "cortex.db"},
		Extraction: ExtractionConfig{Interval: 5},
		Outbox: OutboxConfig{
			PollDefaultBatch: 20,
			LeaseSeconds:     60,
			MaxAttempts:      10,
		},
		Agent: AgentConfig{
			ToolTimeoutMS: 20_000,
			MaxToolRounds: 8,
		},
		Processor: ProcessorConfig{
			PollBusyMS: 100,
			PollIdleMS: 2000,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads and parses the YAML file at path over Default(), expanding
// ${VAR}-style environment references the way the teacher's loader does.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate enforces the numeric ranges enumerated in spec §6.4.
func (c Config) Validate() error {
	if c.Server.IngestAPIKey == "" {
		return fmt.Errorf("config: server.ingest_api_key is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("config: llm.model is required")
	}
	if c.Extraction.Interval < 1 {
		return fmt.Errorf("config: extraction.extraction_interval must be >= 1")
	}
	if c.Outbox.PollDefaultBatch < 1 || c.Outbox.PollDefaultBatch > 100 {
		return fmt.Errorf("config: outbox.outbox_poll_default_batch must be in [1, 100]")
	}
	if c.Outbox.LeaseSeconds < 10 || c.Outbox.LeaseSeconds > 300 {
		return fmt.Errorf("config: outbox.outbox_lease_seconds must be in [10, 300]")
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("config: outbox.outbox_max_attempts must be >= 1")
	}
	if c.Agent.ToolTimeoutMS < 1000 {
		return fmt.Errorf("config: agent.tool_timeout_ms must be >= 1000")
	}
	if c.Agent.MaxToolRounds < 1 || c.Agent.MaxToolRounds > 20 {
		return fmt.Errorf("config: agent.max_tool_rounds must be in [1, 20]")
	}
	return nil
}

// ToolTimeout returns Agent.ToolTimeoutMS as a time.Duration.
func (c Config) ToolTimeout() time.Duration {
	return time.Duration(c.Agent.ToolTimeoutMS) * time.Millisecond
}
