package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "autopilot.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"web3":{"chain_config":"chain.yaml"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address %q", cfg.Server.Address)
	}
	if cfg.Signer.Backend != "none" {
		t.Fatalf("expected signer backend none, got %q", cfg.Signer.Backend)
	}
	if cfg.Lending.MaxLTV != 0.75 || cfg.Lending.TargetLTV != 0.60 {
		t.Fatalf("unexpected lending defaults: %+v", cfg.Lending)
	}
	if cfg.Yield.MinAPRDelta != 0.5 || cfg.Yield.TopN != 3 || len(cfg.Yield.StableSymbols) != 3 {
		t.Fatalf("unexpected yield defaults: %+v", cfg.Yield)
	}
	if cfg.Notify.WebhookTimeoutSeconds != 5 {
		t.Fatalf("unexpected webhook timeout %d", cfg.Notify.WebhookTimeoutSeconds)
	}
	if cfg.Worker.LogLimit != 10 {
		t.Fatalf("unexpected log limit %d", cfg.Worker.LogLimit)
	}
	if cfg.Web3.ChainConfig != filepath.Join(filepath.Dir(path), "chain.yaml") {
		t.Fatalf("expected chain config to resolve relative to config dir, got %q", cfg.Web3.ChainConfig)
	}
}

func TestLoadRejectsUnknownSigner(t *testing.T) {
	path := writeConfig(t, `{"signer":{"backend":"hsm"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unsupported signer backend")
	}
}

func TestLoadRejectsMySQLWithoutDSN(t *testing.T) {
	path := writeConfig(t, `{"storage":{"audit":{"driver":"mysql"}}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

func TestLoadRejectsInvertedLTV(t *testing.T) {
	path := writeConfig(t, `{"lending":{"max_ltv":0.5,"target_ltv":0.7}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when target exceeds max")
	}
}

func TestLoadEnvFileKeepsExistingVariables(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("AUTOPILOT_TEST_KEY=from-file\nAUTOPILOT_TEST_OTHER=other\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("AUTOPILOT_TEST_KEY", "from-env")
	t.Setenv("AUTOPILOT_TEST_OTHER", "")
	os.Unsetenv("AUTOPILOT_TEST_OTHER")

	cfg := &Config{Signer: SignerConfig{EnvFile: envPath}}
	if err := cfg.LoadEnvFile(); err != nil {
		t.Fatalf("LoadEnvFile returned error: %v", err)
	}
	if got := os.Getenv("AUTOPILOT_TEST_KEY"); got != "from-env" {
		t.Fatalf("expected existing variable to win, got %q", got)
	}
	if got := os.Getenv("AUTOPILOT_TEST_OTHER"); got != "other" {
		t.Fatalf("expected variable from file, got %q", got)
	}
}

func TestLoadEnvFileMissingIsIgnored(t *testing.T) {
	cfg := &Config{Signer: SignerConfig{EnvFile: filepath.Join(t.TempDir(), "missing.env")}}
	if err := cfg.LoadEnvFile(); err != nil {
		t.Fatalf("expected missing env file to be ignored, got %v", err)
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := PathFromEnv(); got != DefaultPath {
		t.Fatalf("expected default path, got %q", got)
	}
	t.Setenv(EnvConfigPath, "/etc/autopilot.json")
	if got := PathFromEnv(); got != "/etc/autopilot.json" {
		t.Fatalf("unexpected path %q", got)
	}
}
