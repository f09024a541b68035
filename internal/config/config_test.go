package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmo", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults not written: %v", err)
	}
	if cfg.Backend != BackendSQLite || cfg.Workers != 1 || cfg.PollInterval != time.Second || cfg.StatusInterval != 2*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.DataDir != filepath.Join(filepath.Dir(path), "data") {
		t.Errorf("data_dir = %s", cfg.DataDir)
	}
	if len(cfg.Events.Sinks) != 1 || cfg.Events.Sinks[0] != "log" {
		t.Errorf("sinks = %v", cfg.Events.Sinks)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %s", cfg.Path())
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Setenv("CMO_WORKERS", "4")
	t.Setenv("CMO_REDIS_ADDR", "redis:6380")
	t.Setenv("CMO_EVENTS_SINKS", "log,redis")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 4 || cfg.Redis.Addr != "redis:6380" {
		t.Errorf("env not applied: workers=%d redis=%s", cfg.Workers, cfg.Redis.Addr)
	}
	if strings.Join(cfg.Events.Sinks, ",") != "log,redis" {
		t.Errorf("sinks = %v", cfg.Events.Sinks)
	}
}

func TestSetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Set("workers", "3"); err != nil {
		t.Fatalf("Set workers: %v", err)
	}
	if err := cfg.Set("job_timeout", "90s"); err != nil {
		t.Fatalf("Set job_timeout: %v", err)
	}
	if cfg.Workers != 3 || cfg.JobTimeout != 90*time.Second {
		t.Errorf("in-memory config not refreshed: %+v", cfg)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Workers != 3 || reloaded.JobTimeout != 90*time.Second {
		t.Errorf("not persisted: workers=%d job_timeout=%s", reloaded.Workers, reloaded.JobTimeout)
	}
}

func TestSetRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, kv := range [][2]string{
		{"max-retries", "3"},
		{"workers", "many"},
		{"workers", "0"},
		{"poll_interval", "soon"},
		{"backend", "mongo"},
		{"backend", "postgres"},
		{"log.format", "xml"},
		{"events.sinks", "kafka"},
	} {
		if err := cfg.Set(kv[0], kv[1]); err == nil {
			t.Errorf("Set(%s, %s) succeeded", kv[0], kv[1])
		}
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Workers != 1 || reloaded.Backend != BackendSQLite {
		t.Errorf("rejected values leaked into the file: %+v", reloaded)
	}
}

func TestKeys(t *testing.T) {
	got := Keys()
	if len(got) != len(keys) {
		t.Fatalf("Keys() = %d entries, want %d", len(got), len(keys))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] > got[i] {
			t.Fatalf("keys not sorted: %v", got)
		}
	}
}
