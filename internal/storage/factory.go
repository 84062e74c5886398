package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/timmy/avcorpus/internal/config"
)

// NewStore creates an ArtifactStore based on the configuration.
// Parameters:
//   - ctx: context for loading cloud credentials.
//   - outputRoot: directory used by the local store.
//   - cfg: storage configuration including endpoint, credentials, and bucket.
// Returns:
//   - ArtifactStore: initialized store implementation.
//   - error: non-nil if the store cannot be created.
func NewStore(ctx context.Context, outputRoot string, cfg config.StorageConfig) (ArtifactStore, error) {
	storeType := StorageType(strings.ToLower(cfg.Type))
	if storeType == "" {
		storeType = StorageTypeLocal
	}
	if storeType == StorageTypeLocal {
		return NewLocalStore(outputRoot)
	}

	// Auto-detect the flavour from the endpoint if only "s3" was given
	if storeType == StorageTypeS3 && cfg.Endpoint != "" {
		storeType = detectStorageType(cfg.Endpoint)
	}
	switch storeType {
	case StorageTypeS3, StorageTypeR2, StorageTypeS3Compatible:
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}

	return NewS3Store(ctx, &S3Config{
		Type:      storeType,
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		Prefix:    cfg.Prefix,
	})
}

// detectStorageType attempts to detect the storage type from the endpoint
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
