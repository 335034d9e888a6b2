package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voxswitch/voxswitch/internal/config"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
vendors:
  openai:
    url: "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"
    api_key: sk-test
  gemini:
    url: "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"
    api_key: gk-test
switch:
  threshold_ms: 500
  consecutive: 3
persistence:
  backend: file
  file_root: /var/lib/voxswitch
accounts:
  keys: "acc1=key1,acc2=key2"
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Vendors.OpenAI.APIKey != "sk-test" {
		t.Errorf("openai api_key = %q", cfg.Vendors.OpenAI.APIKey)
	}
	if cfg.Switch.ThresholdMs != 500 || cfg.Switch.Consecutive != 3 {
		t.Errorf("switch = %+v", cfg.Switch)
	}
	if cfg.Persistence.Backend != config.BackendFile {
		t.Errorf("backend = %q", cfg.Persistence.Backend)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := validYAML + "\nnonsense: true\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestValidate_MissingVendor(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8080"
vendors:
  openai:
    url: "wss://example.com/a"
persistence:
  backend: file
  file_root: /tmp/vox
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing gemini vendor, got nil")
	}
	if !strings.Contains(err.Error(), "vendors.gemini.url") {
		t.Errorf("error should mention vendors.gemini.url, got: %v", err)
	}
}

func TestValidate_BadBackend(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "backend: file", "backend: redis", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid backend, got nil")
	}
	if !strings.Contains(err.Error(), "persistence.backend") {
		t.Errorf("error should mention persistence.backend, got: %v", err)
	}
}

func TestValidate_PostgresNeedsDSN(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "backend: file\n  file_root: /var/lib/voxswitch", "backend: postgres", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for postgres backend without DSN, got nil")
	}
	if !strings.Contains(err.Error(), "postgres_dsn") {
		t.Errorf("error should mention postgres_dsn, got: %v", err)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "log_level: info", "log_level: loud", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
persistence:
  backend: nope
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected joined validation errors, got nil")
	}
	for _, want := range []string{"listen_addr", "log_level", "vendors.openai.url", "vendors.gemini.url", "persistence.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Accounts.Keys != "acc1=key1,acc2=key2" {
		t.Errorf("accounts.keys = %q", cfg.Accounts.Keys)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}
