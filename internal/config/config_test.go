package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPPort != 8080 {
		t.Fatalf("unexpected port: %d", cfg.HTTPPort)
	}
	if cfg.MaxIterations != 20 {
		t.Fatalf("unexpected max iterations: %d", cfg.MaxIterations)
	}
	if cfg.LedgerTTL != 10*time.Minute {
		t.Fatalf("unexpected ledger ttl: %s", cfg.LedgerTTL)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FOREMAN_HTTP_PORT", "9090")
	t.Setenv("FOREMAN_LLM_PROVIDER", "mock")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPPort != 9090 {
		t.Fatalf("env override ignored: %d", cfg.HTTPPort)
	}
	if cfg.LLMProvider != "mock" {
		t.Fatalf("env override ignored: %s", cfg.LLMProvider)
	}
}

func TestLoadWorkerCountFloor(t *testing.T) {
	t.Setenv("FOREMAN_WORKER_COUNT", "1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.WorkerCount != 3 {
		t.Fatalf("expected worker count floor of 3, got %d", cfg.WorkerCount)
	}
}
