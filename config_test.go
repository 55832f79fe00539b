package kcp2k

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	conf := DefaultConfig()
	if conf.Mtu != 1200 {
		t.Fatalf("Mtu = %d, want 1200", conf.Mtu)
	}
	if !conf.NoDelay || conf.Interval != 10 {
		t.Fatalf("NoDelay=%v Interval=%d, want true/10", conf.NoDelay, conf.Interval)
	}
	if conf.CongestionWindow {
		t.Fatal("congestion control must ship disabled")
	}
	if conf.SendWindowSize != 32 || conf.ReceiveWindowSize != 128 {
		t.Fatalf("windows %d/%d, want 32/128", conf.SendWindowSize, conf.ReceiveWindowSize)
	}
	if conf.Timeout != 10000 {
		t.Fatalf("Timeout = %d, want 10000", conf.Timeout)
	}
	if conf.MaxRetransmits != 20 {
		t.Fatalf("MaxRetransmits = %d, want 20", conf.MaxRetransmits)
	}
	if err := conf.validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	fpath := filepath.Join(t.TempDir(), "kcp2k.toml")
	content := []byte(`
mtu = 576
no_delay = false
interval = 100
timeout = 5000
send_window_size = 64
`)
	if err := os.WriteFile(fpath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	conf, err := LoadConfig(fpath)
	if err != nil {
		t.Fatal(err)
	}
	if conf.Mtu != 576 || conf.NoDelay || conf.Interval != 100 || conf.Timeout != 5000 {
		t.Fatalf("loaded %+v", conf)
	}
	if conf.SendWindowSize != 64 {
		t.Fatalf("SendWindowSize = %d, want 64", conf.SendWindowSize)
	}
	// untouched fields keep their defaults
	if conf.ReceiveWindowSize != 128 || conf.MaxRetransmits != 20 {
		t.Fatalf("defaults lost: %+v", conf)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	fpath := filepath.Join(t.TempDir(), "kcp2k.toml")
	if err := os.WriteFile(fpath, []byte("mtu = 20\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(fpath); err == nil {
		t.Fatal("tiny mtu must be rejected")
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("missing file must be reported")
	}
}
