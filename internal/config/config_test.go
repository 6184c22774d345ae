package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "streamvisor.toml")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Watchdog.Interval != 23*time.Second || cfg.Watchdog.FailedWaitInterval != 3*time.Second {
		t.Fatalf("unexpected watchdog defaults: %+v", cfg.Watchdog)
	}
	if cfg.Watchdog.ZombieMultiplier != 6 || cfg.Watchdog.ProcessName != "ffmpeg" {
		t.Fatalf("unexpected zombie defaults: %+v", cfg.Watchdog)
	}
	if cfg.FFmpeg.MSPortStart != 7000 || cfg.FFmpeg.MSPortEnd != 8000 || cfg.FFmpeg.MSInitInterval != 3*time.Second {
		t.Fatalf("unexpected ffmpeg defaults: %+v", cfg.FFmpeg)
	}
	if cfg.FFmpeg.MaxOperationRetryCount != 10000000 {
		t.Fatalf("unexpected retry count: %d", cfg.FFmpeg.MaxOperationRetryCount)
	}
	if cfg.Task.StartWaitInterval != time.Second {
		t.Fatalf("unexpected task wait: %v", cfg.Task.StartWaitInterval)
	}
	if len(cfg.Redis.Addrs) != 1 || cfg.Redis.Addrs[0] != "127.0.0.1:6379" {
		t.Fatalf("unexpected redis addrs: %v", cfg.Redis.Addrs)
	}
}

func TestLoad_FileAndClamps(t *testing.T) {
	file := writeTOML(t, `
[general]
root_dir = "/data/cams"

[redis]
addrs = ["redis:6379"]
db = 2

[ffmpeg]
ms_port_start = 1
ms_port_end = 70000
ms_init_interval = "500ms"

[watchdog]
interval = "2s"
failed_wait_interval = "10ms"
zombie_multiplier = 0
notify_failed = true

[log]
level = "debug"
format = "json"
`)
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.RootDir != "/data/cams" || cfg.Redis.Addrs[0] != "redis:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Watchdog.Interval != MinWatchdogInterval || cfg.Watchdog.FailedWaitInterval != MinWatchdogFailedInterval {
		t.Fatalf("watchdog not clamped: %+v", cfg.Watchdog)
	}
	if cfg.Watchdog.ZombieMultiplier != 6 || !cfg.Watchdog.NotifyFailed {
		t.Fatalf("unexpected watchdog: %+v", cfg.Watchdog)
	}
	if cfg.FFmpeg.MSPortStart != 1024 || cfg.FFmpeg.MSPortEnd != MaxPort {
		t.Fatalf("ports not clamped: %+v", cfg.FFmpeg)
	}
	if cfg.FFmpeg.MSInitInterval != 500*time.Millisecond {
		t.Fatalf("duration not decoded: %v", cfg.FFmpeg.MSInitInterval)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("log section not applied: %+v", cfg.Log)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("STREAMVISOR_GENERAL_ROOT_DIR", "/env/root")
	t.Setenv("STREAMVISOR_WATCHDOG_INTERVAL", "45s")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.RootDir != "/env/root" {
		t.Fatalf("env root not applied: %q", cfg.General.RootDir)
	}
	if cfg.Watchdog.Interval != 45*time.Second {
		t.Fatalf("env interval not applied: %v", cfg.Watchdog.Interval)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	file := writeTOML(t, `
[ffmpeg]
ms_port_start = 9000
ms_port_end = 8000

[history]
enabled = true
`)
	_, err := Load(file)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "ms_port_end") || !strings.Contains(msg, "history.dsn") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
