package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Heartbeat.PingIntervalMs != 1000 {
		t.Errorf("Heartbeat.PingIntervalMs = %d, want 1000", cfg.Heartbeat.PingIntervalMs)
	}
	if cfg.Heartbeat.StaleThresholdMs != 3000 {
		t.Errorf("Heartbeat.StaleThresholdMs = %d, want 3000", cfg.Heartbeat.StaleThresholdMs)
	}
	if cfg.Wait.BlockingMessageMs != 500 {
		t.Errorf("Wait.BlockingMessageMs = %d, want 500", cfg.Wait.BlockingMessageMs)
	}
	if cfg.Wait.PollIntervalMs != 50 {
		t.Errorf("Wait.PollIntervalMs = %d, want 50", cfg.Wait.PollIntervalMs)
	}
	if cfg.Registry.MaxProcesses != 100 {
		t.Errorf("Registry.MaxProcesses = %d, want 100", cfg.Registry.MaxProcesses)
	}
	if len(cfg.Retry.DelaysMs) != 6 {
		t.Errorf("len(Retry.DelaysMs) = %d, want 6", len(cfg.Retry.DelaysMs))
	}
	if cfg.Storage.Compression != "none" {
		t.Errorf("Storage.Compression = %q, want %q", cfg.Storage.Compression, "none")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default().Validate() = %v, want no errors", errs)
	}
}

func TestDurations(t *testing.T) {
	cfg := Default()

	if got := cfg.Heartbeat.PingInterval(); got != time.Second {
		t.Errorf("PingInterval() = %v, want 1s", got)
	}
	if got := cfg.Heartbeat.StaleThreshold(); got != 3*time.Second {
		t.Errorf("StaleThreshold() = %v, want 3s", got)
	}
	if got := cfg.Wait.BlockingMessage(); got != 500*time.Millisecond {
		t.Errorf("BlockingMessage() = %v, want 500ms", got)
	}
	if got := cfg.Wait.PollInterval(); got != 50*time.Millisecond {
		t.Errorf("PollInterval() = %v, want 50ms", got)
	}
}

func TestRetryConfig_Delays(t *testing.T) {
	rc := RetryConfig{DelaysMs: []int{0, 10, 100, 500, 1000, 5000}}
	want := []time.Duration{
		0,
		10 * time.Millisecond,
		100 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		5 * time.Second,
	}

	got := rc.Delays()
	if len(got) != len(want) {
		t.Fatalf("len(Delays()) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Delays()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPathsConfig_ResolveShmDir(t *testing.T) {
	t.Run("explicit dir", func(t *testing.T) {
		p := PathsConfig{ShmDir: "/custom/shm"}
		if got := p.ResolveShmDir(); got != "/custom/shm" {
			t.Errorf("ResolveShmDir() = %q, want %q", got, "/custom/shm")
		}
	})

	t.Run("empty falls back to default", func(t *testing.T) {
		p := PathsConfig{}
		got := p.ResolveShmDir()
		if got != DefaultShmDir() {
			t.Errorf("ResolveShmDir() = %q, want %q", got, DefaultShmDir())
		}
		if got != "/dev/shm" && got != os.TempDir() {
			t.Errorf("DefaultShmDir() = %q, want /dev/shm or %q", got, os.TempDir())
		}
	})
}

func TestIsValidCompression(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"none", true},
		{"zstd", true},
		{"brotli", true},
		{"ZSTD", true},
		{"gzip", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidCompression(tt.name); got != tt.valid {
				t.Errorf("IsValidCompression(%q) = %v, want %v", tt.name, got, tt.valid)
			}
		})
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/swmrcoord" {
			t.Errorf("ConfigDir() = %q, want %q", got, "/custom/config/swmrcoord")
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, ".config", "swmrcoord")
		if got := ConfigDir(); got != expected {
			t.Errorf("ConfigDir() = %q, want %q", got, expected)
		}
	})
}

func TestConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if got := ConfigFile(); got != "/custom/config/swmrcoord/config.yaml" {
		t.Errorf("ConfigFile() = %q, want %q", got, "/custom/config/swmrcoord/config.yaml")
	}
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		viper.Reset()
		SetDefaults()

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Heartbeat.PingIntervalMs != 1000 {
			t.Errorf("Load().Heartbeat.PingIntervalMs = %d, want 1000", cfg.Heartbeat.PingIntervalMs)
		}
		if cfg.Retry.DelaysMs[5] != 5000 {
			t.Errorf("Load().Retry.DelaysMs[5] = %d, want 5000", cfg.Retry.DelaysMs[5])
		}
	})

	t.Run("from yaml file", func(t *testing.T) {
		viper.Reset()
		SetDefaults()

		path := filepath.Join(t.TempDir(), "config.yaml")
		content := "heartbeat:\n  ping_interval_ms: 20\n  stale_threshold_ms: 100\nstorage:\n  compression: zstd\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			t.Fatalf("ReadInConfig() error = %v", err)
		}

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Heartbeat.PingIntervalMs != 20 {
			t.Errorf("PingIntervalMs = %d, want 20", cfg.Heartbeat.PingIntervalMs)
		}
		if cfg.Heartbeat.StaleThresholdMs != 100 {
			t.Errorf("StaleThresholdMs = %d, want 100", cfg.Heartbeat.StaleThresholdMs)
		}
		if cfg.Storage.Compression != "zstd" {
			t.Errorf("Compression = %q, want zstd", cfg.Storage.Compression)
		}
		// untouched keys keep their defaults
		if cfg.Registry.MaxProcesses != 100 {
			t.Errorf("MaxProcesses = %d, want 100", cfg.Registry.MaxProcesses)
		}
	})

	t.Run("invalid values", func(t *testing.T) {
		viper.Reset()
		SetDefaults()
		viper.Set("heartbeat.stale_threshold_ms", 500)

		_, err := Load()
		if err == nil {
			t.Fatal("Load() expected validation error")
		}
		if _, ok := err.(ValidationErrors); !ok {
			t.Errorf("Load() error type = %T, want ValidationErrors", err)
		}
	})
}

func TestGet(t *testing.T) {
	viper.Reset()
	SetDefaults()
	viper.Set("registry.max_processes", 0)

	// Get falls back to defaults when the loaded config is invalid
	cfg := Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}
	if cfg.Registry.MaxProcesses != 100 {
		t.Errorf("Get().Registry.MaxProcesses = %d, want 100", cfg.Registry.MaxProcesses)
	}
	viper.Reset()
}
