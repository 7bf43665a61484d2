package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for
// LoadConfig and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalYAML = `tradeflow:
  name: "TestApp"
  version: "1.0"
`

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Tradeflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Tradeflow.Name)
	}
	if cfg.Adapter.PollInterval != 5*time.Second {
		t.Errorf("unexpected poll interval: %s", cfg.Adapter.PollInterval)
	}
	if cfg.Adapter.PendingBuffer != 1024 {
		t.Errorf("unexpected pending buffer: %d", cfg.Adapter.PendingBuffer)
	}
	if cfg.Adapter.Retry.MaxAttempts != 3 {
		t.Errorf("unexpected retry attempts: %d", cfg.Adapter.Retry.MaxAttempts)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeTempConfig(t, minimalYAML+`adapter:
  poll_interval: 2s
  snapshot_retry_delay: 1s
  pending_buffer: 16
  retry:
    max_attempts: 5
    delay: 100ms
exchanges:
  binance:
    enabled: true
    markets:
      - base: BTC
        quote: USDT
`)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Adapter.PollInterval != 2*time.Second {
		t.Errorf("unexpected poll interval: %s", cfg.Adapter.PollInterval)
	}
	if cfg.Adapter.Retry.MaxAttempts != 5 || cfg.Adapter.Retry.Delay != 100*time.Millisecond {
		t.Errorf("unexpected retry config: %+v", cfg.Adapter.Retry)
	}
	if !cfg.Exchanges.Binance.Enabled || len(cfg.Exchanges.Binance.Markets) != 1 {
		t.Errorf("unexpected binance config: %+v", cfg.Exchanges.Binance)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_KUCOIN_URL", "https://example.test")

	path := writeTempConfig(t, minimalYAML+`exchanges:
  kucoin:
    enabled: true
    url: "${TEST_KUCOIN_URL}"
    markets:
      - base: BTC
        quote: USDT
`)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Exchanges.Kucoin.URL != "https://example.test" {
		t.Errorf("env var not expanded: %s", cfg.Exchanges.Kucoin.URL)
	}
}

func TestLoadConfigCredentialEnvOverride(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", " key-from-env ")
	t.Setenv("BINANCE_API_SECRET", "secret-from-env")

	path := writeTempConfig(t, minimalYAML+`exchanges:
  binance:
    enabled: true
    api_key: "from-file"
    api_secret: "from-file"
`)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Exchanges.Binance.APIKey != "key-from-env" {
		t.Errorf("env credential not applied: %q", cfg.Exchanges.Binance.APIKey)
	}
	if cfg.Exchanges.Binance.APISecret != "secret-from-env" {
		t.Errorf("env secret not applied: %q", cfg.Exchanges.Binance.APISecret)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing name", "tradeflow:\n  version: \"1.0\"\n"},
		{"missing version", "tradeflow:\n  name: \"x\"\n"},
		{"bad poll interval", minimalYAML + "adapter:\n  poll_interval: -1s\n"},
		{"kafka without brokers", minimalYAML + "kafka:\n  enabled: true\n  topic: t\n"},
		{"kafka without topic", minimalYAML + "kafka:\n  enabled: true\n  brokers: [\"localhost:9092\"]\n"},
		{"market missing quote", minimalYAML + "exchanges:\n  bybit:\n    enabled: true\n    markets:\n      - base: BTC\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.content)
			defer os.Remove(path)
			if _, err := LoadConfig(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
