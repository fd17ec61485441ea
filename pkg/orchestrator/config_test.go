package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_MissingFileYieldsDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("TUNNELSERVE_CONFIG", "")

	cfg, path, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if path != "" {
		t.Fatalf("expected no config path, got %q", path)
	}
	if cfg.LocalPort != 8081 || cfg.RemoteDir != "~/file-server" {
		t.Fatalf("defaults wrong: %#v", cfg)
	}
}

func TestLoadConfig_SparseFileKeepsDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte("local_port: 9000\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, path, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if path != p {
		t.Fatalf("expected %q, got %q", p, path)
	}
	if cfg.LocalPort != 9000 {
		t.Fatalf("override lost: %#v", cfg)
	}
	if cfg.RemotePort != 8081 || cfg.HealthIntervalSeconds != 30 {
		t.Fatalf("defaults not applied to sparse file: %#v", cfg)
	}
}

func TestLoadConfig_InvalidYAMLFails(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte("local_port: [nope\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := LoadConfig(p); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestConfigValidate_RejectsBadPorts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalPort = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "local_port") {
		t.Fatalf("expected local_port error, got %v", err)
	}

	cfg = DefaultConfig()
	cfg.RemotePort = 70000
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "remote_port") {
		t.Fatalf("expected remote_port error, got %v", err)
	}
}

func TestConfigValidate_RejectsPathlikeServerFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerFile = "../evil.py"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "server_file") {
		t.Fatalf("expected server_file error, got %v", err)
	}
}

func TestConfigDurations(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.HealthInterval() != 30*time.Second {
		t.Fatalf("health interval: %v", cfg.HealthInterval())
	}
	if cfg.EstablishInterval() != time.Second {
		t.Fatalf("establish interval: %v", cfg.EstablishInterval())
	}
	if cfg.ConnectTimeout() != 10*time.Second {
		t.Fatalf("connect timeout: %v", cfg.ConnectTimeout())
	}
}

func TestExpandPath_Tilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	if got := expandPath("~/x"); got != filepath.Join(home, "x") {
		t.Fatalf("got %q", got)
	}
	if got := expandPath("/abs"); got != "/abs" {
		t.Fatalf("got %q", got)
	}
}
