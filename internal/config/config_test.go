package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"escrowpay/internal/chains"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("CATALOG_PATH", "")
	t.Setenv("DEPLOYMENTS_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 3000 {
		t.Fatalf("expected default port, got %d", cfg.Service.HTTPPort)
	}
	if cfg.Service.DefaultChainID != chains.ArbitrumOne {
		t.Fatalf("unexpected default chain %d", cfg.Service.DefaultChainID)
	}
	if len(cfg.Catalog.Chains) == 0 || len(cfg.Catalog.Tokens) == 0 {
		t.Fatalf("built-in catalog missing")
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialBackoff != 500*time.Millisecond {
		t.Fatalf("unexpected retry config %+v", cfg.Retry)
	}
}

func TestLoadDeploymentsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	deployments := writeFile(t, dir, "deployments.json", `{
  "chains": {
    "42161": {
      "escrowFactory": "0x1000000000000000000000000000000000000001",
      "merchantRegistry": "0x1000000000000000000000000000000000000002",
      "paymentProcessor": "0x1000000000000000000000000000000000000003"
    }
  }
}`)
	env := writeFile(t, dir, "test.env", "API_HTTP_PORT=8088\n")

	t.Setenv("ENV_FILE", env)
	t.Setenv("DEPLOYMENTS_PATH", deployments)
	t.Setenv("RPC_URL_42161", "http://arb.local:8545")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("REQUEST_TIMEOUT", "15s")
	t.Cleanup(func() { os.Unsetenv("API_HTTP_PORT") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 8088 {
		t.Fatalf("expected port from env file, got %d", cfg.Service.HTTPPort)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Service.RequestTimeout != 15*time.Second {
		t.Fatalf("env overrides not applied: %+v %s", cfg.Retry, cfg.Service.RequestTimeout)
	}
	if len(cfg.Events.KafkaBrokers) != 2 || cfg.Events.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Events.KafkaBrokers)
	}

	reg, err := chains.NewRegistry(cfg.Catalog.Chains)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if !reg.ValidateChainContracts(chains.ArbitrumOne) {
		t.Fatalf("deployed chain should be ready")
	}
	if reg.ValidateChainContracts(chains.Sepolia) {
		t.Fatalf("undeployed chain should not be ready")
	}
	arb, _ := reg.ChainByID(chains.ArbitrumOne)
	if arb.RPCURL != "http://arb.local:8545" {
		t.Fatalf("rpc override not applied: %s", arb.RPCURL)
	}
}

func TestLoadCatalogFile(t *testing.T) {
	dir := t.TempDir()
	catalog := writeFile(t, dir, "catalog.json", `{
  "chains": [{"chainId": 31337, "name": "Anvil", "enabled": true, "isTestnet": true,
    "nativeCurrency": {"name": "Ether", "symbol": "ETH", "decimals": 18}}]
}`)
	t.Setenv("ENV_FILE", filepath.Join(dir, "none.env"))
	t.Setenv("CATALOG_PATH", catalog)
	t.Setenv("DEPLOYMENTS_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Catalog.Chains) != 1 || cfg.Catalog.Chains[0].ID != 31337 {
		t.Fatalf("unexpected chains %+v", cfg.Catalog.Chains)
	}
	if len(cfg.Catalog.Tokens) == 0 {
		t.Fatalf("tokens should fall back to the built-in list")
	}
}

func TestLoadMissingDeploymentsFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "none.env"))
	t.Setenv("DEPLOYMENTS_PATH", filepath.Join(t.TempDir(), "nope.json"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing deployments file")
	}
}
