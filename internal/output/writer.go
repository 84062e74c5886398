// Package output persists extraction results into the artifact store.
package output

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/avcorpus/internal/diskguard"
	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/logger"
	"github.com/timmy/avcorpus/internal/retry"
	"github.com/timmy/avcorpus/internal/storage"
	"golang.org/x/sys/unix"
)

// LevelSource reports the current disk level. *diskguard.Guard implements it.
type LevelSource interface {
	Level() diskguard.Level
}

// sampler is implemented by level sources that can re-measure on demand.
type sampler interface {
	Sample() (diskguard.Level, error)
}

// Writer writes artifacts under their derived names. Writes are idempotent:
// rewriting an item replaces its artifacts with identical ones.
type Writer struct {
	store  storage.ArtifactStore
	policy *retry.Policy
	guard  LevelSource
}

// NewWriter creates a writer. A nil guard never reports halt.
func NewWriter(store storage.ArtifactStore, policy *retry.Policy, guard LevelSource) *Writer {
	if policy == nil {
		policy = &retry.Policy{}
	}
	return &Writer{store: store, policy: policy, guard: guard}
}

// Write persists every artifact of result.
// Parameters:
//   - ctx: context for cancellation.
//   - item: the item the result belongs to.
//   - result: extraction output; the audio artifact comes first.
// Returns:
//   - []string: store locations of the written artifacts, in order.
//   - error: *domain.WriteFailure, or a disk_halt classified error when the
//     guard is at halt.
func (w *Writer) Write(ctx context.Context, item domain.WorkItem, result *domain.ExtractionResult) ([]string, error) {
	artifacts := result.Artifacts()
	locations := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if w.halted() {
			return locations, domain.Classify(domain.ClassDiskHalt,
				fmt.Errorf("item %s: output volume below halt floor", item.ID))
		}
		if err := w.writeOne(ctx, a); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return locations, ctxErr
			}
			if errors.Is(err, unix.ENOSPC) {
				w.resample(ctx)
			}
			if w.halted() {
				return locations, domain.Classify(domain.ClassDiskHalt, err)
			}
			// Out of inodes, or a volume the guard does not watch: charged
			// like any other write failure.
			return locations, err
		}
		locations = append(locations, w.store.Location(a.Key()))
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldCount: len(locations),
	}).Debug("Artifacts written")
	return locations, nil
}

func (w *Writer) halted() bool {
	return w.guard != nil && w.guard.Level() == diskguard.LevelHalt
}

// resample refreshes the guard level after ENOSPC so a real halt is seen
// without waiting for the next sampling tick.
func (w *Writer) resample(ctx context.Context) {
	s, ok := w.guard.(sampler)
	if !ok {
		return
	}
	if _, err := s.Sample(); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Disk resample after ENOSPC failed")
	}
}

func (w *Writer) writeOne(ctx context.Context, a domain.Artifact) error {
	key := a.Key()
	size, err := a.Size()
	if err != nil {
		return &domain.WriteFailure{Key: key, Err: err}
	}

	err = w.policy.Do(ctx, func(ctx context.Context, try int) error {
		r, err := a.Open()
		if err != nil {
			return &domain.WriteFailure{Key: key, Err: err}
		}
		defer r.Close()
		if err := w.store.Put(ctx, key, r, size, contentType(a.Kind)); err != nil {
			return &domain.WriteFailure{Key: key, Err: err}
		}
		return nil
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return &domain.WriteFailure{Key: key, Err: err}
		}
		return err
	}
	return nil
}

func contentType(kind domain.ArtifactKind) string {
	switch kind {
	case domain.ArtifactAudio:
		return "audio/wav"
	case domain.ArtifactFace:
		return "image/jpeg"
	}
	return "application/octet-stream"
}
