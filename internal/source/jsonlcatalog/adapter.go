package jsonlcatalog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/source"
)

// ManifestItem represents one line of a JSON Lines catalog.
type ManifestItem struct {
	ID       string  `json:"id"`
	URL      string  `json:"url"`
	Title    string  `json:"title"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
}

// Adapter implements the Catalog interface for a JSON Lines manifest, as
// written by crawlers that export richer metadata than the CSV layout holds.
type Adapter struct {
	path        string
	urlTemplate string
	onRowError  source.RowErrorHandler
	skipped     atomic.Int64
}

// NewAdapter creates a new JSON Lines catalog adapter.
// Parameters:
//   - path: manifest file path.
//   - urlTemplate: fmt template applied to the id when a line has no url.
//   - onRowError: optional callback for skipped lines.
// Returns:
//   - *Adapter: initialized adapter.
func NewAdapter(path, urlTemplate string, onRowError source.RowErrorHandler) *Adapter {
	return &Adapter{
		path:        path,
		urlTemplate: urlTemplate,
		onRowError:  onRowError,
	}
}

// GetSourceID returns the manifest path, which keys its checkpoint.
func (a *Adapter) GetSourceID() string {
	abs, err := filepath.Abs(a.path)
	if err != nil {
		return a.path
	}
	return abs
}

// GetDisplayName returns a human-readable name for this catalog.
func (a *Adapter) GetDisplayName() string {
	return fmt.Sprintf("JSONL catalog (%s)", filepath.Base(a.path))
}

// Skipped returns the number of malformed lines skipped so far.
func (a *Adapter) Skipped() int64 {
	return a.skipped.Load()
}

// FetchBatch reads up to limit items starting at cursor.
// Parameters:
//   - ctx: context for cancellation.
//   - cursor: "offset:line" from a previous call, or empty for the start.
//   - limit: maximum number of items to fetch.
// Returns:
//   - []domain.WorkItem: batch of items.
//   - string: next cursor or empty if no more items.
//   - error: non-nil if the manifest cannot be read.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]domain.WorkItem, string, error) {
	offset, line, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	file, err := os.Open(a.path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, "", fmt.Errorf("failed to seek manifest: %w", err)
	}

	reader := bufio.NewReader(file)
	items := make([]domain.WorkItem, 0, limit)
	for len(items) < limit {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) > 0 {
			offset += int64(len(raw))
			line++
			if item, ok := a.parseLine(raw, line); ok {
				items = append(items, item)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return items, "", nil
		}
		if readErr != nil {
			return nil, "", fmt.Errorf("error reading manifest: %w", readErr)
		}
	}

	return items, fmt.Sprintf("%d:%d", offset, line), nil
}

func (a *Adapter) parseLine(raw []byte, line int64) (domain.WorkItem, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return domain.WorkItem{}, false
	}

	var m ManifestItem
	if err := json.Unmarshal(raw, &m); err != nil {
		a.skip(&domain.CatalogFormatError{Row: line, Reason: "invalid json", Err: err})
		return domain.WorkItem{}, false
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		a.skip(&domain.CatalogFormatError{Row: line, Reason: "missing id"})
		return domain.WorkItem{}, false
	}

	item := domain.WorkItem{
		ID:           m.ID,
		SourceKey:    m.URL,
		Title:        m.Title,
		StartSec:     m.Start,
		EndSec:       m.End,
		DurationHint: m.Duration,
		Row:          line,
	}
	if item.SourceKey == "" {
		item.SourceKey = m.ID
		if strings.Contains(a.urlTemplate, "%s") {
			item.SourceKey = fmt.Sprintf(a.urlTemplate, m.ID)
		}
	}
	return item, true
}

func (a *Adapter) skip(err *domain.CatalogFormatError) {
	a.skipped.Add(1)
	if a.onRowError != nil {
		a.onRowError(err)
	}
}

func parseCursor(cursor string) (offset, line int64, err error) {
	if cursor == "" {
		return 0, 0, nil
	}
	off, l, found := strings.Cut(cursor, ":")
	if !found {
		return 0, 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	if offset, err = strconv.ParseInt(off, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	if line, err = strconv.ParseInt(l, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	return offset, line, nil
}
