package storage

import (
	"context"
	"io"
)

// ArtifactStore persists output artifacts under slash-separated keys such as
// "audio/abc.wav". Put must be atomic per key: a reader either sees the whole
// previous content, the whole new content, or nothing.
type ArtifactStore interface {
	// Put writes an artifact, replacing any previous content at key
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Open reads an artifact back
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Location returns where key lives, as recorded in the progress store
	Location(key string) string

	// Delete removes an artifact
	Delete(ctx context.Context, key string) error

	// Exists checks if an artifact exists
	Exists(ctx context.Context, key string) (bool, error)
}
