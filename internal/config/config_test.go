package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "deflow.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Storage.WorkflowStore.Driver != "memory" || cfg.Storage.ExecutionStore.Driver != "memory" {
		t.Fatalf("unexpected storage drivers: %+v", cfg.Storage)
	}
	if cfg.Orchestrator.MaxRetries != 2 || cfg.Orchestrator.RetryDelay() != time.Second {
		t.Fatalf("unexpected orchestrator defaults: %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.GasPriceBufferPercent != 10 {
		t.Fatalf("unexpected gas buffer: %d", cfg.Orchestrator.GasPriceBufferPercent)
	}
	if cfg.Storage.ExecutionStore.HistoryLimit != 50 {
		t.Fatalf("unexpected history limit: %d", cfg.Storage.ExecutionStore.HistoryLimit)
	}
	want := filepath.Join(filepath.Dir(path), "chains.yaml")
	if cfg.Web3.ChainConfig != want {
		t.Fatalf("chain config = %s, want %s", cfg.Web3.ChainConfig, want)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvSignerToken, "secret")
	t.Setenv(EnvDatabaseDSN, "user:pass@tcp(localhost:3306)/deflow")
	path := writeConfig(t, `{"signer":{"token":"from-file"},"storage":{"execution_store":{"driver":"mysql"}}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Signer.Token != "secret" {
		t.Fatalf("signer token not overridden: %s", cfg.Signer.Token)
	}
	if cfg.Storage.ExecutionStore.DSN == "" {
		t.Fatalf("expected dsn from environment")
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	cases := []string{
		`{"storage":{"workflow_store":{"driver":"sqlite"}}}`,
		`{"storage":{"execution_store":{"driver":"mysql"}}}`,
		`{"storage":{"workflow_store":{"driver":"postgres"}}}`,
		`{"queue":{"driver":"kafka"}}`,
	}
	for _, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Fatalf("expected error for %s", content)
		}
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
