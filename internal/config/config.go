// Package config handles WebPilot configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/webpilot/config.yaml, /etc/webpilot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "webpilot", "config.yaml"))
	}

	paths = append(paths, "/etc/webpilot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all WebPilot configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Worker    WorkerConfig    `yaml:"worker"`
	LLM       LLMConfig       `yaml:"llm"`
	Executor  ExecutorConfig  `yaml:"executor"`
	History   HistoryConfig   `yaml:"history"`
	Audit     AuditConfig     `yaml:"audit"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Health    HealthConfig    `yaml:"health"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// WorkerConfig describes how to launch the browser worker process and
// how long to wait for it.
type WorkerConfig struct {
	// Command is the worker executable. Defaults to "webpilot-worker"
	// resolved through PATH.
	Command string `yaml:"command"`
	// Args are passed to Command verbatim.
	Args []string `yaml:"args"`
	// Env holds extra KEY=VALUE entries appended to the host environment.
	Env map[string]string `yaml:"env"`

	HandshakeTimeoutSec int `yaml:"handshake_timeout_sec"` // default 10
	CallTimeoutSec      int `yaml:"call_timeout_sec"`      // default 10

	// Browser and Headless are forwarded to the worker as the defaults
	// for start_browser. Headless is a pointer so an explicit false
	// survives defaulting.
	Browser  string `yaml:"browser"` // chromium (default), firefox, webkit
	Headless *bool  `yaml:"headless"`
}

// IsHeadless reports the effective headless setting (default true).
func (w WorkerConfig) IsHeadless() bool {
	return w.Headless == nil || *w.Headless
}

// CommandArgs returns Args followed by the browser defaults flags
// understood by webpilot-worker.
func (w WorkerConfig) CommandArgs() []string {
	args := append([]string(nil), w.Args...)
	args = append(args, "-browser", w.Browser, fmt.Sprintf("-headless=%t", w.IsHeadless()))
	return args
}

// HandshakeTimeout returns the initialize timeout as a duration.
func (w WorkerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(w.HandshakeTimeoutSec) * time.Second
}

// CallTimeout returns the per-call response window as a duration.
func (w WorkerConfig) CallTimeout() time.Duration {
	return time.Duration(w.CallTimeoutSec) * time.Second
}

// EnvList returns Env as sorted KEY=VALUE entries suitable for
// exec.Cmd.Env.
func (w WorkerConfig) EnvList() []string {
	out := make([]string, 0, len(w.Env))
	for k, v := range w.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// LLMConfig selects and configures the text-generation backend.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // "openai" (any compatible endpoint) or "ollama"
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSec  int     `yaml:"timeout_sec"`

	// Pricing maps model names to per-million-token prices for the usage
	// log. Unlisted models are treated as free.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD cost per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Timeout returns the request timeout for generation calls.
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSec) * time.Second
}

// ExecutorConfig controls the retry policy for tool calls.
type ExecutorConfig struct {
	MaxAttempts int `yaml:"max_attempts"` // default 3

	// BackoffMS is the fixed delay between attempts, default 1000. It is
	// a pointer so an explicit 0 survives defaulting and disables the
	// delay.
	BackoffMS *int `yaml:"backoff_ms"`

	// RetryApplicationErrors retries calls the worker executed but
	// reported as failed. Off by default.
	RetryApplicationErrors bool `yaml:"retry_application_errors"`
}

// Backoff returns the fixed retry delay.
func (e ExecutorConfig) Backoff() time.Duration {
	if e.BackoffMS == nil {
		return time.Second
	}
	return time.Duration(*e.BackoffMS) * time.Millisecond
}

// HistoryConfig bounds the conversation buffer kept between requests.
type HistoryConfig struct {
	MaxMessages int `yaml:"max_messages"` // default 20
}

// AuditConfig enables the SQLite logs of every tool-call attempt and
// every model generation.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`       // default <data_dir>/audit.db
	UsagePath string `yaml:"usage_path"` // default <data_dir>/usage.db
}

// MQTTConfig configures the optional event publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883 or mqtts://...
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"` // default "webpilot"
}

// Configured reports whether enough MQTT settings are present to connect.
func (m MQTTConfig) Configured() bool {
	return m.Enabled && m.Broker != ""
}

// HealthConfig controls the background health watchers.
type HealthConfig struct {
	PollIntervalSec int `yaml:"poll_interval_sec"` // default 60
}

// PollInterval returns the background probe interval.
func (h HealthConfig) PollInterval() time.Duration {
	return time.Duration(h.PollIntervalSec) * time.Second
}

// Load reads configuration from a YAML file, expands environment
// variables, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Worker.Command == "" {
		c.Worker.Command = "webpilot-worker"
	}
	if c.Worker.HandshakeTimeoutSec <= 0 {
		c.Worker.HandshakeTimeoutSec = 10
	}
	if c.Worker.CallTimeoutSec <= 0 {
		c.Worker.CallTimeoutSec = 10
	}
	if c.Worker.Browser == "" {
		c.Worker.Browser = "chromium"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.BaseURL == "" {
		switch c.LLM.Provider {
		case "ollama":
			c.LLM.BaseURL = "http://localhost:11434"
		default:
			c.LLM.BaseURL = "http://localhost:8000/v1"
		}
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "local-model"
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 1000
	}
	if c.LLM.TimeoutSec <= 0 {
		c.LLM.TimeoutSec = 120
	}
	if c.Executor.MaxAttempts <= 0 {
		c.Executor.MaxAttempts = 3
	}
	if c.Executor.BackoffMS == nil {
		ms := 1000
		c.Executor.BackoffMS = &ms
	}
	if c.History.MaxMessages <= 0 {
		c.History.MaxMessages = 20
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.DataDir, "audit.db")
	}
	if c.Audit.UsagePath == "" {
		c.Audit.UsagePath = filepath.Join(c.DataDir, "usage.db")
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "webpilot"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "webpilot"
	}
	if c.Health.PollIntervalSec <= 0 {
		c.Health.PollIntervalSec = 60
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for values that would prevent
// startup. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	switch c.LLM.Provider {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported (valid: openai, ollama)", c.LLM.Provider))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %v out of range [0, 2]", c.LLM.Temperature))
	}
	for model, p := range c.LLM.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			errs = append(errs, fmt.Errorf("llm.pricing[%s]: prices must not be negative", model))
		}
	}
	if strings.TrimSpace(c.Worker.Command) == "" {
		errs = append(errs, errors.New("worker.command must not be empty"))
	}
	if c.Executor.BackoffMS != nil && *c.Executor.BackoffMS < 0 {
		errs = append(errs, fmt.Errorf("executor.backoff_ms %d must not be negative", *c.Executor.BackoffMS))
	}
	switch c.Worker.Browser {
	case "chromium", "firefox", "webkit":
	default:
		errs = append(errs, fmt.Errorf("worker.browser %q is not supported (valid: chromium, firefox, webkit)", c.Worker.Browser))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not supported (valid: text, json)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
