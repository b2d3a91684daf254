package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RoutingID != RoutingIDIdentity {
		t.Errorf("expected identity routing id default, got %s", cfg.RoutingID)
	}
	if cfg.PingInterval.Duration() != 10*time.Second {
		t.Errorf("expected 10s ping interval default, got %v", cfg.PingInterval.Duration())
	}
}

func TestLoad_ParsesDurationAndSizeStrings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yml")
	contents := "bandwidthLimit: 10M\npingInterval: 5s\nroutingId: hashed\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BandwidthLimit != SizeString(10<<20) {
		t.Errorf("expected 10M bandwidth limit, got %d", cfg.BandwidthLimit)
	}
	if cfg.PingInterval.Duration() != 5*time.Second {
		t.Errorf("expected 5s ping interval, got %v", cfg.PingInterval.Duration())
	}
	if cfg.RoutingID != RoutingIDHashed {
		t.Errorf("expected hashed routing id, got %s", cfg.RoutingID)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/cfg.yml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLogConfig_WriterDefaultsToStderr(t *testing.T) {
	var lc *LogConfig
	if lc.Writer() != os.Stderr {
		t.Errorf("expected nil LogConfig to write to stderr")
	}
	empty := &LogConfig{}
	if empty.Writer() != os.Stderr {
		t.Errorf("expected empty filename to write to stderr")
	}
}

func TestLogConfig_WriterUsesRotatingFileWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	lc := &LogConfig{Filename: filepath.Join(dir, "out.log"), MaxSize: 5}
	w := lc.Writer()
	if w == os.Stderr {
		t.Errorf("expected a rotating file writer, got stderr")
	}
}

func TestSizeString_InvalidSuffix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yml")
	if err := os.WriteFile(path, []byte("bandwidthLimit: 10X\n"), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid size suffix")
	}
}
