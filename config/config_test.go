package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telereply.yaml")
	yaml := `
data_dir: /var/lib/telereply
browser:
  headless: true
  nav_timeout: 45s
detection:
  poll_interval: 2s
http:
  listen: ":9000"
logs:
  retention_days: 7
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/var/lib/telereply" {
		t.Fatalf("data_dir: got %q", cfg.DataDir)
	}
	if !cfg.Browser.Headless {
		t.Fatal("headless should be true")
	}
	if cfg.Browser.NavTimeout != 45*time.Second {
		t.Fatalf("nav_timeout: got %v", cfg.Browser.NavTimeout)
	}
	if cfg.Detection.PollInterval != 2*time.Second {
		t.Fatalf("poll_interval: got %v", cfg.Detection.PollInterval)
	}
	if cfg.HTTP.Listen != ":9000" {
		t.Fatalf("listen: got %q", cfg.HTTP.Listen)
	}
	if cfg.Logs.RetentionDays != 7 {
		t.Fatalf("retention_days: got %d", cfg.Logs.RetentionDays)
	}
	// Unset fields get defaults.
	if cfg.Browser.ClientURL == "" {
		t.Fatal("client_url default missing")
	}
	if cfg.Detection.MaxReloadAttempts != 3 {
		t.Fatalf("max_reload_attempts default: got %d", cfg.Detection.MaxReloadAttempts)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Detection.PollInterval != 5*time.Second {
		t.Fatalf("poll_interval default: got %v", cfg.Detection.PollInterval)
	}
	if cfg.Browser.ClientURL != "https://web.telegram.org/k/" {
		t.Fatalf("client_url default: got %q", cfg.Browser.ClientURL)
	}
	if cfg.Detection.DedupeTTL != 24*time.Hour {
		t.Fatalf("dedupe_ttl default: got %v", cfg.Detection.DedupeTTL)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
