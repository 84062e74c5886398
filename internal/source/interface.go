package source

import (
	"context"

	"github.com/timmy/avcorpus/internal/domain"
)

// Catalog defines the interface for catalog readers. A catalog is paged with
// an opaque cursor so intake can stop at any batch boundary and resume from a
// persisted cursor on the next run.
type Catalog interface {
	// GetSourceID returns the unique identifier for this catalog.
	// Parameters: none.
	// Returns:
	//   - string: stable catalog identifier, used as the checkpoint key.
	GetSourceID() string

	// GetDisplayName returns a human-readable name for this catalog.
	// Parameters: none.
	// Returns:
	//   - string: display-friendly catalog name.
	GetDisplayName() string

	// FetchBatch reads up to limit items starting from the given cursor.
	// Malformed rows are skipped and counted; they never end the sequence.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - cursor: pagination cursor or empty for the first page.
	//   - limit: maximum number of items to return.
	// Returns:
	//   - items: batch of work items.
	//   - nextCursor: cursor for the next batch or empty if done.
	//   - err: non-nil if the catalog cannot be read.
	FetchBatch(ctx context.Context, cursor string, limit int) (items []domain.WorkItem, nextCursor string, err error)

	// Skipped returns how many malformed rows were skipped so far.
	// Parameters: none.
	// Returns:
	//   - int64: skipped row count.
	Skipped() int64
}

// RowErrorHandler receives every malformed row a catalog skips.
type RowErrorHandler func(err *domain.CatalogFormatError)
