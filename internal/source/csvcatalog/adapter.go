package csvcatalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/timmy/avcorpus/internal/config"
	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/source"
)

// Adapter streams a delimited catalog file. The cursor is "offset:row": the
// byte offset of the next unread record and its 1-based row number, so a
// restarted run seeks straight to where intake stopped.
type Adapter struct {
	cfg        config.CatalogConfig
	path       string
	onRowError source.RowErrorHandler
	skipped    atomic.Int64

	// Open reader state, reused while callers pass back the cursor we returned.
	file   *os.File
	reader *csv.Reader
	base   int64
	row    int64
	next   string
}

// NewAdapter creates a CSV catalog adapter.
// Parameters:
//   - cfg: column mapping and file settings.
//   - onRowError: optional callback for skipped rows.
// Returns:
//   - *Adapter: adapter reading cfg.Path.
func NewAdapter(cfg config.CatalogConfig, onRowError source.RowErrorHandler) *Adapter {
	return &Adapter{
		cfg:        cfg,
		path:       cfg.Path,
		onRowError: onRowError,
	}
}

// GetSourceID returns the catalog path, which keys its checkpoint.
func (a *Adapter) GetSourceID() string {
	abs, err := filepath.Abs(a.path)
	if err != nil {
		return a.path
	}
	return abs
}

// GetDisplayName returns the catalog file name.
func (a *Adapter) GetDisplayName() string {
	return fmt.Sprintf("CSV catalog (%s)", filepath.Base(a.path))
}

// Skipped returns the number of malformed rows skipped so far.
func (a *Adapter) Skipped() int64 {
	return a.skipped.Load()
}

// Close releases the open file, if any.
func (a *Adapter) Close() error {
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file, a.reader, a.next = nil, nil, ""
	return err
}

// FetchBatch reads up to limit valid items from cursor.
// Parameters:
//   - ctx: context for cancellation.
//   - cursor: "offset:row" from a previous call, or empty for the start.
//   - limit: maximum number of items.
// Returns:
//   - []domain.WorkItem: valid items in file order.
//   - string: next cursor, empty once the file is exhausted.
//   - error: non-nil if the file cannot be opened or read.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]domain.WorkItem, string, error) {
	if limit <= 0 {
		limit = 1
	}
	if a.reader == nil || cursor != a.next {
		if err := a.open(cursor); err != nil {
			return nil, "", err
		}
	}

	items := make([]domain.WorkItem, 0, limit)
	for len(items) < limit {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		record, err := a.reader.Read()
		if errors.Is(err, io.EOF) {
			a.Close()
			return items, "", nil
		}
		a.row++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				a.skip(&domain.CatalogFormatError{Row: a.row, Reason: "unparseable record", Err: err})
				continue
			}
			return nil, "", fmt.Errorf("failed to read catalog: %w", err)
		}
		if a.row == 1 && a.cfg.HasHeader {
			continue
		}

		item, ferr := a.parseRecord(record)
		if ferr != nil {
			a.skip(ferr)
			continue
		}
		items = append(items, item)
	}

	a.next = fmt.Sprintf("%d:%d", a.base+a.reader.InputOffset(), a.row)
	return items, a.next, nil
}

func (a *Adapter) open(cursor string) error {
	a.Close()

	offset, row, err := parseCursor(cursor)
	if err != nil {
		return err
	}

	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return fmt.Errorf("failed to seek catalog to %d: %w", offset, err)
		}
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.Comment = '#'
	r.TrimLeadingSpace = true
	r.ReuseRecord = true
	if d := []rune(a.cfg.Delimiter); len(d) == 1 {
		r.Comma = d[0]
	}

	a.file, a.reader, a.base, a.row, a.next = f, r, offset, row, cursor
	return nil
}

func (a *Adapter) skip(err *domain.CatalogFormatError) {
	a.skipped.Add(1)
	if a.onRowError != nil {
		a.onRowError(err)
	}
}

func (a *Adapter) parseRecord(record []string) (domain.WorkItem, *domain.CatalogFormatError) {
	item := domain.WorkItem{Row: a.row}

	id, ok := column(record, a.cfg.IDColumn)
	if !ok || id == "" {
		return item, &domain.CatalogFormatError{Row: a.row, Reason: "missing id"}
	}
	item.ID = id

	var err error
	if item.StartSec, err = floatColumn(record, a.cfg.StartColumn); err != nil {
		return item, &domain.CatalogFormatError{Row: a.row, Reason: "bad start", Err: err}
	}
	if item.EndSec, err = floatColumn(record, a.cfg.EndColumn); err != nil {
		return item, &domain.CatalogFormatError{Row: a.row, Reason: "bad end", Err: err}
	}
	if item.StartSec < 0 || item.EndSec < 0 {
		return item, &domain.CatalogFormatError{Row: a.row, Reason: "negative segment bound"}
	}
	if item.HasSegment() {
		item.DurationHint = item.EndSec - item.StartSec
	}

	item.Title, _ = column(record, a.cfg.TitleColumn)
	if url, ok := column(record, a.cfg.URLColumn); ok && url != "" {
		item.SourceKey = url
	} else if strings.Contains(a.cfg.URLTemplate, "%s") {
		item.SourceKey = fmt.Sprintf(a.cfg.URLTemplate, id)
	} else {
		item.SourceKey = id
	}
	return item, nil
}

func column(record []string, idx int) (string, bool) {
	if idx < 0 || idx >= len(record) {
		return "", false
	}
	return strings.TrimSpace(record[idx]), true
}

func floatColumn(record []string, idx int) (float64, error) {
	raw, ok := column(record, idx)
	if !ok || raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func parseCursor(cursor string) (offset, row int64, err error) {
	if cursor == "" {
		return 0, 0, nil
	}
	off, r, found := strings.Cut(cursor, ":")
	if !found {
		return 0, 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	if offset, err = strconv.ParseInt(off, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	if row, err = strconv.ParseInt(r, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	return offset, row, nil
}
