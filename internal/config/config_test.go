package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileReturnsDefaults(t *testing.T) {
	opts, err := LoadFile(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if opts.ListenAddr != Default().ListenAddr {
		t.Fatalf("expected defaults when file is missing, got %+v", opts)
	}
}

func TestLoadFile_OverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncd.yaml")
	contents := `
device_id: device-1
user_id: user-1
listen_addr: "0.0.0.0:9999"
bootstrap_nodes:
  - /ip4/10.0.0.5/tcp/7946
heartbeat_interval: 5s
max_message_size: 1048576
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if opts.DeviceID != "device-1" || opts.UserID != "user-1" {
		t.Fatalf("expected overlay to set device_id/user_id, got %+v", opts)
	}
	if opts.ListenAddr != "0.0.0.0:9999" {
		t.Fatalf("expected listen_addr overlay, got %q", opts.ListenAddr)
	}
	addrs, err := opts.BootstrapMultiaddrs()
	if err != nil {
		t.Fatalf("BootstrapMultiaddrs: %v", err)
	}
	if len(addrs) != 1 {
		t.Fatalf("expected 1 bootstrap multiaddress, got %d", len(addrs))
	}
}

func TestValidate_RejectsMissingDeviceID(t *testing.T) {
	opts := Default()
	opts.UserID = "user-1"
	if err := opts.Validate(); err == nil {
		t.Fatal("expected Validate to reject a missing device_id")
	}
}

func TestValidate_RejectsMalformedMultiaddr(t *testing.T) {
	opts := Default()
	opts.DeviceID = "d1"
	opts.UserID = "u1"
	opts.BootstrapNodes = []string{"not-a-multiaddress"}
	if err := opts.Validate(); err == nil {
		t.Fatal("expected Validate to reject a malformed bootstrap multiaddress")
	}
}
