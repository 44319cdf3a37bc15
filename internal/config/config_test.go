package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	cfg, _, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) error: %v", err)
	}
	if cfg.BluetoothDevice != "hci0" {
		t.Errorf("BluetoothDevice = %q, want hci0", cfg.BluetoothDevice)
	}
	if cfg.ListenAddress != "0.0.0.0" || cfg.ListenPort != 5333 {
		t.Errorf("listen = %s:%d, want 0.0.0.0:5333", cfg.ListenAddress, cfg.ListenPort)
	}
	if cfg.LogLevel != LogInfo || cfg.LogTarget != TargetStdout {
		t.Errorf("log = %s/%s, want LOG_INFO/stdout", cfg.LogLevel, cfg.LogTarget)
	}
}

func TestParseShortAndLongFlagsAgree(t *testing.T) {
	long, _, err := Parse([]string{"--listenport", "9000"})
	if err != nil {
		t.Fatalf("Parse(long) error: %v", err)
	}
	short, _, err := Parse([]string{"-p", "9000"})
	if err != nil {
		t.Fatalf("Parse(short) error: %v", err)
	}
	if long.ListenPort != 9000 || short.ListenPort != 9000 {
		t.Errorf("ListenPort long=%d short=%d, want both 9000", long.ListenPort, short.ListenPort)
	}
}

func TestParseInvalidListenAddress(t *testing.T) {
	_, _, err := Parse([]string{"--listenaddress", "not-an-ip"})
	if err == nil {
		t.Fatal("Parse accepted an invalid --listenaddress")
	}
}

func TestParseInvalidLogLevel(t *testing.T) {
	_, _, err := Parse([]string{"--loglevel", "LOG_BOGUS"})
	if err == nil {
		t.Fatal("Parse accepted an invalid --loglevel")
	}
}

func TestParseInvalidLogTarget(t *testing.T) {
	_, _, err := Parse([]string{"--logtarget", "carrier-pigeon"})
	if err == nil {
		t.Fatal("Parse accepted an invalid --logtarget")
	}
}

func TestParseHelp(t *testing.T) {
	_, usage, err := Parse([]string{"--help"})
	if !IsHelpRequested(err) {
		t.Fatalf("Parse(--help) error = %v, want help sentinel", err)
	}
	if usage == "" {
		t.Error("Parse(--help) returned empty usage text")
	}
}

func TestParseVersion(t *testing.T) {
	_, text, err := Parse([]string{"--version"})
	if !IsVersionRequested(err) {
		t.Fatalf("Parse(--version) error = %v, want version sentinel", err)
	}
	if text == "" {
		t.Error("Parse(--version) returned empty text")
	}
}

func TestParseFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "listenport: 6000\nbluetoothdevice: hci1\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, _, err := Parse([]string{"--config", path, "--listenport", "7000"})
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.ListenPort != 7000 {
		t.Errorf("ListenPort = %d, want flag value 7000 to win over file value 6000", cfg.ListenPort)
	}
	if cfg.BluetoothDevice != "hci1" {
		t.Errorf("BluetoothDevice = %q, want file value hci1 since no flag overrode it", cfg.BluetoothDevice)
	}
}

func TestParseConfigFileTimingsFallBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("listenport: 6000\n"), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, _, err := Parse([]string{"--config", path})
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Timings.DownThreshold != 2 {
		t.Errorf("DownThreshold = %d, want default 2 when file omits timings", cfg.Timings.DownThreshold)
	}
}
