package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Synthesis.DefaultBackend != "local" {
		t.Fatalf("expected default backend local, got %q", cfg.Synthesis.DefaultBackend)
	}
	if cfg.Text.SentencePauseMS != 150 || cfg.Text.ClausePauseMS != 80 {
		t.Fatalf("unexpected default pauses: %+v", cfg.Text)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
synthesis:
  workers: 8
  default_backend: rest
rest:
  enabled: true
  endpoint: https://tts.example.com/v1/synthesize
  api_key: k
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Synthesis.Workers != 8 || cfg.Synthesis.DefaultBackend != "rest" {
		t.Fatalf("file values not applied: %+v", cfg.Synthesis)
	}
	if !cfg.Rest.Enabled || cfg.Rest.Endpoint == "" {
		t.Fatalf("rest section not applied: %+v", cfg.Rest)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VNTTS_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VNTTS_BUS_USERNAME", "alice")
	t.Setenv("VNTTS_BUS_PASSWORD", "secret")
	t.Setenv("VNTTS_NODE_ID", "test-node")
	t.Setenv("VNTTS_JOB_STORE_PATH", "./tmp.db")
	t.Setenv("VNTTS_TEXT_SCRIPT_POLICY", "reject")
	t.Setenv("VNTTS_SYNTHESIS_WORKERS", "2")
	t.Setenv("VNTTS_SYNTHESIS_MAX_ATTEMPTS", "5")
	t.Setenv("VNTTS_REST_ENABLED", "true")
	t.Setenv("VNTTS_REST_ENDPOINT", "https://tts.example.com")
	t.Setenv("VNTTS_REST_API_KEY", "k")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.JobStore.Path != "./tmp.db" {
		t.Fatalf("expected job store path override")
	}
	if cfg.Text.ScriptPolicy != "reject" {
		t.Fatalf("expected script policy override")
	}
	if cfg.Synthesis.Workers != 2 || cfg.Synthesis.MaxAttempts != 5 {
		t.Fatalf("expected synthesis overrides, got %+v", cfg.Synthesis)
	}
	if !cfg.Rest.Enabled || cfg.Rest.Endpoint != "https://tts.example.com" {
		t.Fatalf("expected rest overrides, got %+v", cfg.Rest)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad script policy", func(c *Config) { c.Text.ScriptPolicy = "ignore" }},
		{"zero workers", func(c *Config) { c.Synthesis.Workers = 0 }},
		{"bad retry window", func(c *Config) { c.Synthesis.RetryInitialMS = 500; c.Synthesis.RetryMaxMS = 100 }},
		{"bad container", func(c *Config) { c.Synthesis.Container = "mp3" }},
		{"no backends", func(c *Config) { c.Local.Enabled = false }},
		{"stream without endpoint", func(c *Config) { c.Stream.Enabled = true; c.Stream.Endpoint = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
