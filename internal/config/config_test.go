package config

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ChatURL != "https://chat.signal.org" {
		t.Errorf("ChatURL = %q", cfg.ChatURL)
	}
	if cfg.MaxLookup != 20500 || cfg.ProfileTimeout != 5*time.Second || cfg.DiscoveryBatch != 5000 {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.MultiDevice {
		t.Error("MultiDevice on by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SIGNAL_STORAGE_URL", "http://127.0.0.1:9000")
	t.Setenv("SIGNAL_MAX_LOOKUP", "100")
	t.Setenv("SIGNAL_PROFILE_TIMEOUT", "250ms")
	t.Setenv("SIGNAL_PROFILE_RATE", "4")
	t.Setenv("SIGNAL_MULTI_DEVICE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StorageURL != "http://127.0.0.1:9000" {
		t.Errorf("StorageURL = %q", cfg.StorageURL)
	}

	d := cfg.Directory()
	if d.MaxLookup != 100 || d.ProfileTimeout != 250*time.Millisecond || !d.MultiDevice {
		t.Errorf("directory config = %+v", d)
	}
	if d.ProfileRate != rate.Limit(4) || d.ProfileBurst != 4 {
		t.Errorf("rate = %v burst %d", d.ProfileRate, d.ProfileBurst)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("SIGNAL_MAX_LOOKUP", "0")
	if _, err := Load(); err == nil {
		t.Error("expected error for zero max lookup")
	}

	t.Setenv("SIGNAL_MAX_LOOKUP", "many")
	if _, err := Load(); err == nil {
		t.Error("expected error for non-numeric max lookup")
	}
}
