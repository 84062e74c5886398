package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration before a run starts. Any error here is
// fatal to the run.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(strings.TrimSpace(c.OutputRoot) != "" || c.Storage.Type != "local", "output_root is required")
	check(c.MaxWorkers >= 1, "max_workers must be at least 1, got %d", c.MaxWorkers)
	check(c.MinWorkers >= 0 && c.MinWorkers <= c.MaxWorkers, "min_workers must be between 0 and max_workers, got %d", c.MinWorkers)
	check(c.MaxAttempts >= 1, "max_attempts must be at least 1, got %d", c.MaxAttempts)
	check(c.RateLimitPerWindow >= 1, "rate_limit_per_window must be at least 1, got %d", c.RateLimitPerWindow)
	check(c.RateLimitWindow > 0, "rate_limit_window must be positive")
	check(c.FrameSampleStride >= 1, "frame_sample_stride must be at least 1, got %d", c.FrameSampleStride)
	check(c.FaceConfidenceFloor >= 0, "face_confidence_floor must not be negative")
	check(c.AudioSampleRate >= 8000 && c.AudioSampleRate <= 192000, "audio_sample_rate out of range: %d", c.AudioSampleRate)
	switch c.AudioBitDepth {
	case 16, 24, 32:
	default:
		errs = append(errs, fmt.Errorf("audio_bit_depth must be 16, 24 or 32, got %d", c.AudioBitDepth))
	}
	check(c.DiskHaltFloorBytes <= c.DiskThrottleFloorBytes,
		"disk_halt_floor_bytes (%d) must not exceed disk_throttle_floor_bytes (%d)", c.DiskHaltFloorBytes, c.DiskThrottleFloorBytes)
	check(c.ScratchQuotaPerWorker > 0, "scratch_quota_per_worker must be positive")
	check(c.LeaseTTL > 0, "lease_ttl must be positive")
	check(c.ProgressInterval > 0, "progress_interval must be positive")
	check(c.RetryBaseDelay >= 0 && c.RetryMaxDelay >= c.RetryBaseDelay, "retry_max_delay must not be below retry_base_delay")
	check(c.SweepInterval > 0, "sweep_interval must be positive")
	check(c.Disk.SampleInterval > 0, "disk.sample_interval must be positive")
	check(c.Catalog.BatchSize >= 1, "catalog.batch_size must be at least 1")
	check(c.Catalog.IDColumn >= 0, "catalog.id_column must not be negative")
	check(len([]rune(c.Catalog.Delimiter)) == 1, "catalog.delimiter must be a single character")
	check(c.Extract.MaxFacesPerItem >= 0, "extract.max_faces_per_item must not be negative")
	check(c.Extract.JPEGQuality >= 1 && c.Extract.JPEGQuality <= 100, "extract.jpeg_quality must be within 1..100")

	switch c.Fetch.Resolver {
	case "ytdlp", "direct":
	default:
		errs = append(errs, fmt.Errorf("fetch.resolver must be ytdlp or direct, got %q", c.Fetch.Resolver))
	}
	check(c.Fetch.MaxRetries >= 0, "fetch.max_retries must not be negative")
	check(c.Fetch.MaxWait > 0 && c.Fetch.MaxDelay > 0, "fetch.max_wait and fetch.max_delay must be positive")
	// The lease is renewed before every fetch try; one try plus one backoff
	// step must fit inside it.
	check(c.Fetch.Timeout+c.Fetch.MaxDelay < c.LeaseTTL,
		"fetch.timeout (%s) plus fetch.max_delay (%s) must be below lease_ttl (%s)", c.Fetch.Timeout, c.Fetch.MaxDelay, c.LeaseTTL)
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	switch c.Storage.Type {
	case "local":
	case "s3", "r2", "s3compatible":
		check(c.Storage.Bucket != "", "storage.bucket is required for %s storage", c.Storage.Type)
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}

	return errors.Join(errs...)
}
