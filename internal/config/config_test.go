package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsFromEnvOnly(t *testing.T) {
	t.Setenv(EnvPrivateKey, "  0xabc  ")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Wallet.PrivateKey != "0xabc" {
		t.Fatalf("private key not read from env: %q", cfg.Wallet.PrivateKey)
	}
	if cfg.Network.Name != "testnet" {
		t.Fatalf("unexpected network: %s", cfg.Network.Name)
	}
	if cfg.Accounts.Driver != "memory" || cfg.Usage.Sink != "log" {
		t.Fatalf("unexpected drivers: %+v %+v", cfg.Accounts, cfg.Usage)
	}
	if cfg.HTTP.Timeout != 60*time.Second {
		t.Fatalf("unexpected timeout: %s", cfg.HTTP.Timeout)
	}
	if cfg.Sampling.Concurrency != 4 {
		t.Fatalf("unexpected concurrency: %d", cfg.Sampling.Concurrency)
	}
}

func TestLoadFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zg.yaml")
	content := `
network:
  name: mainnet
  definitions: networks.yaml
sampling:
  temperature: 0.7
  max_tokens: 100
  top_p: 0.9
accounts:
  driver: redis
  redis:
    address: 127.0.0.1:6379
directory:
  ttl: 30s
logging:
  audit:
    enabled: true
    path: logs/audit.log
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("A0G_HTTP_TIMEOUT", "5s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network.Name != "mainnet" {
		t.Fatalf("unexpected network: %s", cfg.Network.Name)
	}
	if cfg.Network.Definitions != filepath.Join(dir, "networks.yaml") {
		t.Fatalf("definitions path not resolved: %s", cfg.Network.Definitions)
	}
	if cfg.Logging.Audit.Path != filepath.Join(dir, "logs/audit.log") {
		t.Fatalf("audit path not resolved: %s", cfg.Logging.Audit.Path)
	}
	if cfg.Sampling.Temperature != 0.7 || cfg.Sampling.MaxTokens != 100 || cfg.Sampling.TopP != 0.9 {
		t.Fatalf("unexpected sampling: %+v", cfg.Sampling)
	}
	if cfg.Directory.TTL != 30*time.Second {
		t.Fatalf("unexpected ttl: %s", cfg.Directory.TTL)
	}
	if cfg.HTTP.Timeout != 5*time.Second {
		t.Fatalf("env override ignored: %s", cfg.HTTP.Timeout)
	}
}

func TestValidateRejectsIncompleteDrivers(t *testing.T) {
	cfg := &Config{
		Accounts:  AccountsConfig{Driver: "mysql"},
		Directory: DirectoryConfig{Driver: "etcd"},
		Usage:     UsageConfig{Sink: "rabbitmq"},
		Sampling:  SamplingConfig{TopP: 2},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !IsValidationError(err) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if got := len(err.(*ValidationError).Problems); got != 4 {
		t.Fatalf("expected 4 problems, got %d: %v", got, err)
	}
}
