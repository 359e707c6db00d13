package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/freebrew/liveRAID/internal/raid"
)

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.DryRun || !cfg.BackupExisting || cfg.TargetMount != "/target" || cfg.GrubTimeout != 5 {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.Source != "" {
		t.Fatalf("source should be empty, got %s", cfg.Source)
	}
}

func TestYAMLAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "raidctl.yaml")
	data := []byte("" +
		"dryRun: false\n" +
		"targetMount: /mnt/new\n" +
		"settleTimeout: 45s\n" +
		"espSize: 1G\n" +
		"filesystem: xfs\n" +
		"firmware: both\n" +
		"logging:\n  level: debug\n" +
		"grub:\n  timeout: 0\n  bootloaderId: myos\n" +
		"http:\n  bind: 127.0.0.1:9999\n  corsOrigins: [\"http://localhost:3000\"]\n" +
		"metrics:\n  enabled: false\n")
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DryRun || cfg.TargetMount != "/mnt/new" || cfg.SettleTimeout != 45*time.Second {
		t.Fatalf("from yaml: %+v", cfg)
	}
	if cfg.ESPSize != 1<<30 || cfg.Filesystem != raid.XFS || cfg.Firmware != "both" {
		t.Fatalf("from yaml: %+v", cfg)
	}
	if cfg.LogLevel.String() != "debug" || cfg.GrubTimeout != 0 || cfg.BootloaderID != "myos" {
		t.Fatalf("from yaml: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:3000" {
		t.Fatalf("cors origins: %v", cfg.CORSOrigins)
	}
	if cfg.Bind != "127.0.0.1:9999" || cfg.MetricsEnabled || cfg.Source != cfgPath {
		t.Fatalf("from yaml: %+v", cfg)
	}

	t.Setenv("RAIDCTL_DRY_RUN", "true")
	t.Setenv("RAIDCTL_LOG", "warn")
	t.Setenv("RAIDCTL_HTTP_BIND", "0.0.0.0:8080")
	t.Setenv("RAIDCTL_GRUB_TIMEOUT", "3")
	t.Setenv("RAIDCTL_FILESYSTEM", "btrfs")
	cfg, err = Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.DryRun || cfg.LogLevel.String() != "warn" || cfg.Bind != "0.0.0.0:8080" {
		t.Fatalf("env override: %+v", cfg)
	}
	if cfg.GrubTimeout != 3 || cfg.Filesystem != raid.Btrfs {
		t.Fatalf("env override: %+v", cfg)
	}
}

func TestInvalidValues(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"firmware": "firmware: coreboot\n",
		"esp":      "espSize: 1M\n",
		"mount":    "targetMount: /\n",
		"duration": "settleTimeout: soon\n",
		"yaml":     "dryRun: [\n",
	} {
		p := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(p); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	t.Setenv("RAIDCTL_DRY_RUN", "maybe")
	if _, err := Load(filepath.Join(dir, "none.yaml")); err == nil {
		t.Fatal("expected env parse error")
	}
}
