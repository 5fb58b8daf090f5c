package main

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("addr = %q, want :8080", cfg.Addr)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("store.backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("redis.addr = %q, want empty", cfg.Redis.Addr)
	}
	if cfg.Snapshot.MaxOps != 100 {
		t.Errorf("snapshot.maxops = %d, want 100", cfg.Snapshot.MaxOps)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SYNCD_ADDR", ":9999")
	t.Setenv("SYNCD_STORE_BACKEND", "firestore")
	t.Setenv("SYNCD_STORE_PROJECT", "demo-project")
	t.Setenv("SYNCD_REDIS_ADDR", "10.0.0.5:6379")
	t.Setenv("SYNCD_REDIS_PASSWORD", "hunter2")
	t.Setenv("SYNCD_AUTH_DEFAULTROLE", "viewer")
	t.Setenv("SYNCD_SNAPSHOT_MAXOPS", "7")
	t.Setenv("SYNCD_SNAPSHOT_INTERVAL", "90s")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9999" {
		t.Errorf("addr = %q, want :9999", cfg.Addr)
	}
	if cfg.Store.Backend != "firestore" || cfg.Store.Project != "demo-project" {
		t.Errorf("store = %+v, want firestore/demo-project", cfg.Store)
	}
	if cfg.Redis.Addr != "10.0.0.5:6379" || cfg.Redis.Password != "hunter2" {
		t.Errorf("redis = %+v, want env overrides", cfg.Redis)
	}
	if cfg.Auth.DefaultRole != "viewer" {
		t.Errorf("auth.defaultrole = %q, want viewer", cfg.Auth.DefaultRole)
	}
	if cfg.Snapshot.MaxOps != 7 {
		t.Errorf("snapshot.maxops = %d, want 7", cfg.Snapshot.MaxOps)
	}
	if cfg.Snapshot.Interval != 90*time.Second {
		t.Errorf("snapshot.interval = %v, want 90s", cfg.Snapshot.Interval)
	}
}
