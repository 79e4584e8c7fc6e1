package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, setting, gateway string) string {
	t.Helper()
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	if gateway != "" {
		if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "gateway.ini"), []byte(gateway), 0o644); err != nil {
			t.Fatalf("write env config: %v", err)
		}
	}
	return tmp
}

func TestLoad(t *testing.T) {
	setting := "environment=dev\nlog_level=debug\nupstream_base_url=http://base.example.com\ndefault_request_cost=0.05\n"
	gateway := strings.Join([]string{
		"[gateway]",
		"http_address=:9090",
		"upstream_base_url=https://api.example.com/",
		"upstream_api_key=ini-key",
		"ledger_dsn=/tmp/custom-ledger.db",
		"upstream_timeout=45s",
		"; comment",
		"proxy_prefix=relay/",
	}, "\n")
	root := writeConfig(t, setting, gateway)
	t.Setenv("CREDITGW_UPSTREAM_API_KEY", "env-key")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from base config, got %s", cfg.LogLevel)
	}
	if cfg.UpstreamBaseURL != "https://api.example.com/" {
		t.Fatalf("expected env file to win over settings, got %s", cfg.UpstreamBaseURL)
	}
	if cfg.UpstreamAPIKey != "env-key" {
		t.Fatalf("expected environment override, got %s", cfg.UpstreamAPIKey)
	}
	if cfg.UpstreamTimeout != 45*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.UpstreamTimeout)
	}
	if cfg.LedgerDSN != "/tmp/custom-ledger.db" {
		t.Fatalf("unexpected ledger dsn %s", cfg.LedgerDSN)
	}
	if cfg.ProxyPrefix != "/relay" {
		t.Fatalf("unexpected prefix %s", cfg.ProxyPrefix)
	}
	if !cfg.DefaultRequestCost.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("unexpected default cost %s", cfg.DefaultRequestCost)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "dev" || cfg.HTTPAddress != ":8080" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.APIKeyHeader != "X-API-Key" || cfg.ProxyPrefix != "/api/proxy" {
		t.Fatalf("unexpected proxy defaults %s %s", cfg.APIKeyHeader, cfg.ProxyPrefix)
	}
	if cfg.UpstreamTimeout != 30*time.Second {
		t.Fatalf("expected 30s upstream timeout, got %v", cfg.UpstreamTimeout)
	}
	if cfg.UpstreamAuthHeader != "Authorization" || cfg.UpstreamAuthScheme != "Bearer" {
		t.Fatalf("unexpected upstream auth %s %s", cfg.UpstreamAuthHeader, cfg.UpstreamAuthScheme)
	}
	if !cfg.DefaultRequestCost.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("unexpected default cost %s", cfg.DefaultRequestCost)
	}
	if cfg.LedgerDriver != "sqlite" || cfg.AuditDriver != "sqlite" || cfg.AuditAsync {
		t.Fatalf("unexpected storage defaults %+v", cfg)
	}
	if cfg.MaxRequestBody != 10<<20 {
		t.Fatalf("unexpected max body %d", cfg.MaxRequestBody)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"timeout":  "upstream_timeout=soon\n",
		"cost":     "default_request_cost=-1\n",
		"driver":   "ledger_driver=mysql\n",
		"max body": "max_request_body=0\n",
	}
	for name, gateway := range cases {
		root := writeConfig(t, "environment=dev\n", gateway)
		if _, err := Load(root); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadEnvironmentSwitch(t *testing.T) {
	root := writeConfig(t, "environment=dev\n", "http_address=:1111\n")
	if err := os.MkdirAll(filepath.Join(root, "config", "live"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "config", "live", "gateway.ini"), []byte("http_address=:2222\nupstream_auth_scheme=none\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CREDITGW_ENVIRONMENT", "live")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "live" || cfg.HTTPAddress != ":2222" {
		t.Fatalf("expected live config, got %s %s", cfg.Environment, cfg.HTTPAddress)
	}
	if cfg.UpstreamAuthScheme != "" {
		t.Fatalf("expected raw credential scheme, got %q", cfg.UpstreamAuthScheme)
	}
}

func TestLoadDotEnv(t *testing.T) {
	root := writeConfig(t, "environment=dev\n", "http_address=:1111\n")
	if err := os.WriteFile(filepath.Join(root, ".env"), []byte("CREDITGW_HTTP_ADDRESS=:3333\nCREDITGW_UPSTREAM_API_KEY=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// Register restores, then clear so the file is allowed to seed them.
	t.Setenv("CREDITGW_HTTP_ADDRESS", "")
	os.Unsetenv("CREDITGW_HTTP_ADDRESS")
	t.Setenv("CREDITGW_UPSTREAM_API_KEY", "from-shell")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddress != ":3333" {
		t.Fatalf("expected .env value, got %s", cfg.HTTPAddress)
	}
	if cfg.UpstreamAPIKey != "from-shell" {
		t.Fatalf("shell environment must win over .env, got %s", cfg.UpstreamAPIKey)
	}
}
