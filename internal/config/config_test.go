package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"general": {"logLevel": "debug", "defaultProvider": "ollama"},
		"channels": {"web": {"enabled": true, "host": "0.0.0.0", "port": 9000}},
		"whatsapp": {"enabled": true, "headless": false}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.LogLevel != "debug" {
		t.Fatalf("logLevel = %q", cfg.General.LogLevel)
	}
	if cfg.Channels.Web.Port != 9000 {
		t.Fatalf("port = %d", cfg.Channels.Web.Port)
	}
	if cfg.WhatsApp.Headless {
		t.Fatal("headless override not applied")
	}
	// Untouched sections keep defaults.
	if cfg.Session.RetentionDays != 30 {
		t.Fatalf("session defaults lost: %+v", cfg.Session)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("COMPANION_TEST_KEY", "sk-live-123")
	path := writeConfig(t, `{
		"providers": {
			"ollama": {"enabled": true, "apiBase": "http://localhost:11434"},
			"openai": {"enabled": true, "apiKey": "${COMPANION_TEST_KEY}", "apiBase": "${COMPANION_TEST_BASE:-https://api.openai.com/v1}"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers["openai"].APIKey != "sk-live-123" {
		t.Fatalf("apiKey = %q", cfg.Providers["openai"].APIKey)
	}
	if cfg.Providers["openai"].APIBase != "https://api.openai.com/v1" {
		t.Fatalf("default not used: %q", cfg.Providers["openai"].APIBase)
	}
}

func TestLoad_RejectsUnknownProviderInOrder(t *testing.T) {
	path := writeConfig(t, `{
		"general": {"defaultProvider": "ollama", "providerOrder": ["ollama", "nonexistent"]}
	}`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "nonexistent") {
		t.Fatalf("expected providerOrder validation error, got %v", err)
	}
}

func TestValidate_PortRange(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Web.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected port range error")
	}
}

func TestValidate_SynthesisProvider(t *testing.T) {
	cfg := Defaults()
	cfg.Speech.Synthesis.Enabled = true
	cfg.Speech.Synthesis.Provider = "festival"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected synthesis provider error")
	}
}

func TestFlexStringList_MixedTypes(t *testing.T) {
	var f FlexStringList
	if err := f.UnmarshalJSON([]byte(`["123", 456]`)); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(f) != 2 || f[0] != "123" || f[1] != "456" {
		t.Fatalf("got %v", f)
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["openai"] = ProviderConfig{Enabled: true, APIKey: "sk-verysecretkey12345"}
	cfg.Channels.Telegram.Token = "123456789:AAFakeTokenValue"
	cfg.Speech.Synthesis.APIKey = "short"

	s := Sanitize(cfg)
	if strings.Contains(s.Providers["openai"].APIKey, "verysecret") {
		t.Fatalf("api key not masked: %q", s.Providers["openai"].APIKey)
	}
	if s.Speech.Synthesis.APIKey != "***" {
		t.Fatalf("short key = %q, want ***", s.Speech.Synthesis.APIKey)
	}
	// Original untouched.
	if cfg.Providers["openai"].APIKey != "sk-verysecretkey12345" {
		t.Fatal("sanitize mutated the original config")
	}
}

func TestGetSetByPath(t *testing.T) {
	cfg := Defaults()

	if err := SetByPath(cfg, "channels.web.port", "9999"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Channels.Web.Port != 9999 {
		t.Fatalf("port = %d", cfg.Channels.Web.Port)
	}

	v, err := GetByPath(cfg, "whatsapp.headless")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != true {
		t.Fatalf("headless = %v", v)
	}

	if _, err := GetByPath(cfg, "no.such.key"); err == nil {
		t.Fatal("expected error for unknown path")
	}
}

func TestExpandEnvVars_KeepsUnknown(t *testing.T) {
	got := ExpandEnvVars(`{"key": "${DEFINITELY_UNSET_VAR_42}"}`)
	if !strings.Contains(got, "${DEFINITELY_UNSET_VAR_42}") {
		t.Fatalf("unset var without default must stay literal, got %q", got)
	}
}
