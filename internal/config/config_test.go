package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allura.yaml")
	body := `
server:
  addr: ":9090"
webhook:
  retryDelays: [1, 2]
  timeout: 5s
mfa:
  storage: filesystem
  dir: /var/lib/allura/mfa
  windows: 3
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr not applied: %q", cfg.Server.Addr)
	}
	if got := cfg.Webhook.RetrySchedule(); len(got) != 2 || got[1] != 2*time.Second {
		t.Fatalf("unexpected retry schedule: %v", got)
	}
	if cfg.Webhook.Timeout != 5*time.Second {
		t.Fatalf("timeout not applied: %v", cfg.Webhook.Timeout)
	}
	if cfg.MFA.Storage != "filesystem" || cfg.MFA.Windows != 3 {
		t.Fatalf("mfa section not applied: %+v", cfg.MFA)
	}
	if cfg.MFA.Digits != 6 || cfg.MFA.Period != 30*time.Second {
		t.Fatalf("defaults lost: %+v", cfg.MFA)
	}
}

func TestDefaultRetryDelays(t *testing.T) {
	got := Default().Webhook.RetrySchedule()
	want := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("unexpected schedule %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"ALLURA_STORE_DRIVER":         "postgres",
		"ALLURA_STORE_DSN":            "postgres://localhost/allura",
		"ALLURA_WEBHOOK_RETRY_DELAYS": "5, 10,x",
		"ALLURA_MEMCACHED_ADDR":       "127.0.0.1:11211",
	}
	applyEnv(&cfg, func(k string) string { return env[k] })
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN == "" {
		t.Fatalf("store override not applied: %+v", cfg.Store)
	}
	if len(cfg.Webhook.RetryDelays) != 2 || cfg.Webhook.RetryDelays[1] != 10 {
		t.Fatalf("retry delays override not applied: %v", cfg.Webhook.RetryDelays)
	}
	if cfg.Cache.Driver != "memcached" {
		t.Fatalf("cache driver not switched: %q", cfg.Cache.Driver)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "cassandra"
	cfg.MFA.Storage = "filesystem"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}
