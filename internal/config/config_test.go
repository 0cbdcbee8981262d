package config

import (
	"os"
	"testing"
	"time"

	"github.com/agsys/lorawan-enddevice/internal/region"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	f, err := os.CreateTemp("", "lorawan-config-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp config: %v", err)
	}
	if _, err := f.WriteString(body); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func TestLoadAndEngineConfig(t *testing.T) {
	path := writeConfig(t, `
device:
  dev_eui: "1d42fbec13160990"
  app_eui: "1d42fbec13160990"
  app_key: "4fe6e906d37fd200f25f82f7df6ba0dd"
  region: "US915"
database:
  path: "/tmp/test.db"
radio:
  tx_power: 14
timing:
  rejoin_interval_hours: 12
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	ecfg, err := cfg.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig failed: %v", err)
	}
	if ecfg.Region != region.US915 {
		t.Errorf("region = %s, want US915", ecfg.Region)
	}
	if ecfg.DatabasePath != "/tmp/test.db" {
		t.Errorf("database path = %s", ecfg.DatabasePath)
	}
	if ecfg.TxPower != 14 {
		t.Errorf("tx power = %d, want 14", ecfg.TxPower)
	}
	if ecfg.PeriodicRejoinInterval != 12*time.Hour {
		t.Errorf("rejoin interval = %s, want 12h", ecfg.PeriodicRejoinInterval)
	}
	if ecfg.DevEUI[0] != 0x1d || ecfg.DevEUI[7] != 0x90 {
		t.Errorf("dev eui = %x", ecfg.DevEUI)
	}
}

func TestEngineConfigRequiresDevEUI(t *testing.T) {
	path := writeConfig(t, `
device:
  app_key: "4fe6e906d37fd200f25f82f7df6ba0dd"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := cfg.EngineConfig(); err == nil {
		t.Error("expected error for missing dev_eui")
	}
}

func TestParseRegionRejectsUnknown(t *testing.T) {
	if _, err := ParseRegion("AS923"); err == nil {
		t.Error("expected unsupported region to be rejected")
	}
}
