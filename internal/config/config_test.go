package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Listen.Port != 8080 {
		t.Errorf("listen.port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Worker.Command != "webpilot-worker" {
		t.Errorf("worker.command = %q", cfg.Worker.Command)
	}
	if cfg.Worker.HandshakeTimeout() != 10*time.Second {
		t.Errorf("handshake timeout = %v, want 10s", cfg.Worker.HandshakeTimeout())
	}
	if cfg.Worker.CallTimeout() != 10*time.Second {
		t.Errorf("call timeout = %v, want 10s", cfg.Worker.CallTimeout())
	}
	if cfg.Executor.MaxAttempts != 3 || cfg.Executor.Backoff() != time.Second {
		t.Errorf("executor = %+v, want 3 attempts / 1s", cfg.Executor)
	}
	if cfg.Executor.RetryApplicationErrors {
		t.Error("retry_application_errors should default to false")
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "local-model" || cfg.LLM.MaxTokens != 1000 {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Audit.Path != filepath.Join("data", "audit.db") {
		t.Errorf("audit.path = %q", cfg.Audit.Path)
	}
	if cfg.MQTT.TopicPrefix != "webpilot" {
		t.Errorf("mqtt.topic_prefix = %q", cfg.MQTT.TopicPrefix)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults: %v", err)
	}
}

func TestLoad_OllamaDefaultURL(t *testing.T) {
	cfg, err := Load(writeConfig(t, "llm:\n  provider: ollama\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LLM.BaseURL != "http://localhost:11434" {
		t.Errorf("base_url = %q", cfg.LLM.BaseURL)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("WEBPILOT_TEST_KEY", "secret123")
	path := writeConfig(t, "llm:\n  api_key: ${WEBPILOT_TEST_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LLM.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.LLM.APIKey, "secret123")
	}
}

func TestLoad_WorkerSection(t *testing.T) {
	path := writeConfig(t, `worker:
  command: python
  args: ["-m", "browser_worker"]
  env:
    B: "2"
    A: "1"
  call_timeout_sec: 30
  headless: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Worker.Command != "python" || len(cfg.Worker.Args) != 2 {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Worker.CallTimeout() != 30*time.Second {
		t.Errorf("call timeout = %v", cfg.Worker.CallTimeout())
	}
	if cfg.Worker.IsHeadless() {
		t.Error("explicit headless: false was overridden")
	}
	args := strings.Join(cfg.Worker.CommandArgs(), " ")
	if args != "-m browser_worker -browser chromium -headless=false" {
		t.Errorf("CommandArgs() = %q", args)
	}
	env := cfg.Worker.EnvList()
	if strings.Join(env, ",") != "A=1,B=2" {
		t.Errorf("EnvList() = %v", env)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "listen: [\n")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "carrier-pigeon"
	cfg.LogFormat = "xml"
	cfg.MQTT.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"llm.provider", "log_format", "mqtt.broker"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestMQTTConfigured(t *testing.T) {
	m := MQTTConfig{Enabled: true}
	if m.Configured() {
		t.Error("Configured() true without broker")
	}
	m.Broker = "mqtt://localhost:1883"
	if !m.Configured() {
		t.Error("Configured() false with broker")
	}
}

func TestLoad_PricingAndUsagePath(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
data_dir: /var/lib/webpilot
llm:
  pricing:
    gpt-4o-mini:
      input_per_million: 0.15
      output_per_million: 0.6
`))
	if err != nil {
		t.Fatal(err)
	}
	p, ok := cfg.LLM.Pricing["gpt-4o-mini"]
	if !ok || p.InputPerMillion != 0.15 || p.OutputPerMillion != 0.6 {
		t.Errorf("pricing = %+v", cfg.LLM.Pricing)
	}
	if cfg.Audit.UsagePath != "/var/lib/webpilot/usage.db" {
		t.Errorf("UsagePath = %q", cfg.Audit.UsagePath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	cfg.LLM.Pricing["free-lunch"] = PricingEntry{InputPerMillion: -1}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "llm.pricing[free-lunch]") {
		t.Errorf("Validate = %v, want negative price error", err)
	}
}

func TestLoad_ExecutorBackoff(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    time.Duration
		wantErr bool
	}{
		{"unset", "executor:\n  max_attempts: 2\n", time.Second, false},
		{"explicit zero", "executor:\n  backoff_ms: 0\n", 0, false},
		{"custom", "executor:\n  backoff_ms: 250\n", 250 * time.Millisecond, false},
		{"negative", "executor:\n  backoff_ms: -5\n", -5 * time.Millisecond, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.body))
			if err != nil {
				t.Fatal(err)
			}
			if got := cfg.Executor.Backoff(); got != tt.want {
				t.Errorf("Backoff() = %v, want %v", got, tt.want)
			}
			err = cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), "executor.backoff_ms") {
				t.Errorf("Validate = %v, want backoff_ms error", err)
			}
		})
	}
}
