package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig_HasSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.StopProxiesOnShutdown {
		t.Fatalf("expected StopProxiesOnShutdown to default true")
	}
	if cfg.EnableScaleDown {
		t.Fatalf("expected EnableScaleDown to default false")
	}
	if cfg.PublicPathPrefix != "/api/route/" {
		t.Fatalf("unexpected default public path prefix: %s", cfg.PublicPathPrefix)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"api_server_port": "9090", "enable_scale_down": false}`), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("PROXYFLEET_API_PORT", "7070")
	t.Setenv("PROXYFLEET_ENABLE_SCALE_DOWN", "true")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.APIServerPort != ":7070" {
		t.Fatalf("expected env override to win, got %s", cfg.APIServerPort)
	}
	if !cfg.EnableScaleDown {
		t.Fatalf("expected env override to enable scale down")
	}
}

func TestEnsurePortFormat(t *testing.T) {
	cases := map[string]string{
		"8080":  ":8080",
		":8080": ":8080",
		" 8080": ":8080",
	}
	for in, want := range cases {
		if got := ensurePortFormat(in); got != want {
			t.Fatalf("ensurePortFormat(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseEnvInt(t *testing.T) {
	if n, err := parseEnvInt("30"); err != nil || n != 30 {
		t.Fatalf("parseEnvInt(30) = %d, %v", n, err)
	}
	if _, err := parseEnvInt("not-a-number"); err == nil {
		t.Fatalf("expected an error for a non-numeric value")
	}
}
