package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "output_root: /data/out\nworkdir: /data/work\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.OutputRoot != "/data/out" {
		t.Errorf("output_root = %q", cfg.OutputRoot)
	}
	if cfg.MaxWorkers != 4 || cfg.MaxAttempts != 3 {
		t.Errorf("unexpected worker/attempt defaults: %d/%d", cfg.MaxWorkers, cfg.MaxAttempts)
	}
	if cfg.AudioSampleRate != 16000 || cfg.AudioBitDepth != 16 {
		t.Errorf("unexpected audio defaults: %d/%d", cfg.AudioSampleRate, cfg.AudioBitDepth)
	}
	if cfg.LeaseTTL != 30*time.Minute {
		t.Errorf("lease_ttl = %v", cfg.LeaseTTL)
	}
	if got, want := cfg.Database.Path, filepath.Join("/data/work", "progress.db"); got != want {
		t.Errorf("database.path = %q, want %q", got, want)
	}
	if cfg.Fetch.MaxWait != 5*time.Minute || cfg.Fetch.MaxDelay != time.Minute {
		t.Errorf("fetch budget = %v total, %v per step", cfg.Fetch.MaxWait, cfg.Fetch.MaxDelay)
	}
	if cfg.Catalog.URLColumn != -1 {
		t.Errorf("catalog.url_column = %d, want -1", cfg.Catalog.URLColumn)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadReadsFileKeys(t *testing.T) {
	body := `
output_root: /out
max_workers: 12
max_attempts: 5
rate_limit_per_window: 7
frame_sample_stride: 15
face_confidence_floor: 9.5
audio_sample_rate: 22050
audio_bit_depth: 24
disk_throttle_floor_bytes: 2000
disk_halt_floor_bytes: 1000
scratch_quota_per_worker: 4096
lease_ttl: 90s
fetch:
  resolver: direct
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxWorkers != 12 || cfg.MaxAttempts != 5 || cfg.RateLimitPerWindow != 7 {
		t.Errorf("unexpected scheduling keys: %+v", cfg)
	}
	if cfg.FrameSampleStride != 15 || cfg.FaceConfidenceFloor != 9.5 {
		t.Errorf("unexpected extraction keys: %d %v", cfg.FrameSampleStride, cfg.FaceConfidenceFloor)
	}
	if cfg.DiskThrottleFloorBytes != 2000 || cfg.DiskHaltFloorBytes != 1000 || cfg.ScratchQuotaPerWorker != 4096 {
		t.Errorf("unexpected resource keys: %+v", cfg)
	}
	if cfg.LeaseTTL != 90*time.Second {
		t.Errorf("lease_ttl = %v", cfg.LeaseTTL)
	}
	if cfg.Fetch.Resolver != "direct" {
		t.Errorf("fetch.resolver = %q", cfg.Fetch.Resolver)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero workers", func(c *Config) { c.MaxWorkers = 0 }, "max_workers"},
		{"min above max", func(c *Config) { c.MinWorkers = c.MaxWorkers + 1 }, "min_workers"},
		{"bit depth", func(c *Config) { c.AudioBitDepth = 8 }, "audio_bit_depth"},
		{"halt above throttle", func(c *Config) { c.DiskHaltFloorBytes = c.DiskThrottleFloorBytes + 1 }, "disk_halt_floor_bytes"},
		{"stride", func(c *Config) { c.FrameSampleStride = 0 }, "frame_sample_stride"},
		{"resolver", func(c *Config) { c.Fetch.Resolver = "curl" }, "fetch.resolver"},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }, "storage.bucket"},
		{"fetch outlives lease", func(c *Config) { c.LeaseTTL = 5 * time.Minute }, "lease_ttl"},
		{"no fetch budget", func(c *Config) { c.Fetch.MaxWait = 0 }, "fetch.max_wait"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, "output_root: /out\n"))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error mentioning %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateAcceptsEqualDiskFloors(t *testing.T) {
	cfg, err := Load(writeConfig(t, "output_root: /out\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.DiskHaltFloorBytes = cfg.DiskThrottleFloorBytes
	if err := cfg.Validate(); err != nil {
		t.Errorf("equal floors rejected: %v", err)
	}
}
