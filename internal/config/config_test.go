package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zonesd/zonesd/internal/config"
)

func TestDefaultManagerConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultManagerConfig()

	if cfg.IPC.SocketPath != "/run/zonesd/zonesd.sock" {
		t.Errorf("IPC.SocketPath = %q, want /run/zonesd/zonesd.sock", cfg.IPC.SocketPath)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Bus.HostWellKnownName != "org.tizen.containers.host" {
		t.Errorf("Bus.HostWellKnownName = %q, want org.tizen.containers.host", cfg.Bus.HostWellKnownName)
	}
}

func TestLoadFromJSON(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, `{
		"defaultId": "z1",
		"foregroundId": "",
		"containersPath": "/var/zones",
		"containerConfigs": ["/etc/zonesd/z1.json"],
		"proxyCallRules": [
			{"callerGlob": "z1", "targetGlob": "host", "effect": "ALLOW"},
			{"effect": "DENY"}
		]
	}`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DefaultID != "z1" {
		t.Errorf("DefaultID = %q, want z1", cfg.DefaultID)
	}
	if len(cfg.ContainerConfigs) != 1 || cfg.ContainerConfigs[0] != "/etc/zonesd/z1.json" {
		t.Errorf("ContainerConfigs = %v, want [/etc/zonesd/z1.json]", cfg.ContainerConfigs)
	}
	if len(cfg.ProxyCallRules) != 2 {
		t.Fatalf("len(ProxyCallRules) = %d, want 2", len(cfg.ProxyCallRules))
	}
	if cfg.ProxyCallRules[0].Effect != "ALLOW" {
		t.Errorf("ProxyCallRules[0].Effect = %q, want ALLOW", cfg.ProxyCallRules[0].Effect)
	}
	// Defaults still apply where the file is silent.
	if cfg.IPC.SocketPath != "/run/zonesd/zonesd.sock" {
		t.Errorf("IPC.SocketPath = %q, want default", cfg.IPC.SocketPath)
	}
}

func TestLoadMissingDefaultIDFails(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, `{"containersPath": "/var/zones"}`)

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for missing defaultId")
	}
}

func TestLoadInvalidRuleEffectFails(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, `{
		"defaultId": "z1",
		"proxyCallRules": [{"effect": "MAYBE"}]
	}`)

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid rule effect")
	}
}

func TestLoadZoneConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "z1.json")
	content := `{
		"id": "z1",
		"privilege": 5,
		"permittedToSend": ["/tmp/.*"],
		"permittedToRecv": ["/tmp/.*"]
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write zone config: %v", err)
	}

	zc, err := config.LoadZoneConfig(path)
	if err != nil {
		t.Fatalf("LoadZoneConfig: %v", err)
	}
	if zc.ID != "z1" {
		t.Errorf("ID = %q, want z1", zc.ID)
	}
	if zc.Privilege != 5 {
		t.Errorf("Privilege = %d, want 5", zc.Privilege)
	}
}

func TestLoadZoneConfigRejectsReservedID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "host.json")
	if err := os.WriteFile(path, []byte(`{"id": "host"}`), 0o600); err != nil {
		t.Fatalf("write zone config: %v", err)
	}

	if _, err := config.LoadZoneConfig(path); err == nil {
		t.Fatal("expected error for reserved zone id \"host\"")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "zonesd.json")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
