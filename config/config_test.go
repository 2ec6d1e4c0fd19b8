package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoad_Defaults verifies an empty path yields the defaults.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CLUEBOX_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != DefaultDataDir {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Cache.MaxResident != 3 {
		t.Errorf("MaxResident = %d, want 3", cfg.Cache.MaxResident)
	}
	if cfg.StaleAfter() != 30*time.Second {
		t.Errorf("StaleAfter = %v, want 30s", cfg.StaleAfter())
	}
	if cfg.SweepInterval() != 5*time.Second {
		t.Errorf("SweepInterval = %v, want 5s", cfg.SweepInterval())
	}
	if cfg.Server.Addr != DefaultAddr {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
}

// TestLoad_MissingFile verifies a nonexistent config file falls back
// to defaults without an error.
func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg.DataDir != DefaultDataDir {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
}

// TestLoad_OverlaysFile verifies file values replace defaults while
// unset keys keep them.
func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluebox.toml")
	body := `
data_dir = "/tmp/cluebox-test"
log_level = "debug"

[cache]
max_resident = 5

[s3]
enabled = true
bucket = "rooms"

[server]
addr = "127.0.0.1:9999"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/cluebox-test" || cfg.LogLevel != "debug" {
		t.Errorf("top-level overrides not applied: %+v", cfg)
	}
	if cfg.Cache.MaxResident != 5 {
		t.Errorf("MaxResident = %d, want 5", cfg.Cache.MaxResident)
	}
	// Unset cache keys keep their defaults.
	if cfg.Cache.StaleAfterSeconds != 30 {
		t.Errorf("StaleAfterSeconds = %d, want default 30", cfg.Cache.StaleAfterSeconds)
	}
	if !cfg.S3.Enabled || cfg.S3.Bucket != "rooms" {
		t.Errorf("s3 section not applied: %+v", cfg.S3)
	}
	if cfg.S3.Region != "us-east-1" {
		t.Errorf("Region = %q, want default", cfg.S3.Region)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
}

// TestLoad_EnvFallback verifies CLUEBOX_CONFIG supplies the path when
// none is given.
func TestLoad_EnvFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluebox.toml")
	if err := os.WriteFile(path, []byte(`log_level = "warn"`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLUEBOX_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

// TestLoad_MalformedFile verifies a broken config file is an error,
// not a silent fallback.
func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluebox.toml")
	if err := os.WriteFile(path, []byte(`data_dir = [broken`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

// TestDerivedPaths verifies the database locations under the data dir.
func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"

	if got := cfg.MetaDBPath(); got != filepath.Join("/data", "metadata.db") {
		t.Errorf("MetaDBPath = %q", got)
	}
	if got := cfg.BlobDBPath(); got != filepath.Join("/data", "images.bolt") {
		t.Errorf("BlobDBPath = %q", got)
	}
}
