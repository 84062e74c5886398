package dircatalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/timmy/avcorpus/internal/domain"
)

// Adapter implements the Catalog interface for a local directory of video
// files. Each file is one item; its source key is the absolute path.
type Adapter struct {
	root   string
	items  []domain.WorkItem // Cached items
	loaded bool
}

// NewAdapter creates a new directory adapter
func NewAdapter(root string) *Adapter {
	return &Adapter{root: root}
}

// GetSourceID returns the directory path, which keys its checkpoint.
func (a *Adapter) GetSourceID() string {
	abs, err := filepath.Abs(a.root)
	if err != nil {
		return a.root
	}
	return abs
}

// GetDisplayName returns a human-readable name for this catalog
func (a *Adapter) GetDisplayName() string {
	return fmt.Sprintf("Directory (%s)", filepath.Base(a.root))
}

// Skipped is always zero; files that are not video are ignored, not malformed.
func (a *Adapter) Skipped() int64 {
	return 0
}

// FetchBatch fetches a batch of items
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]domain.WorkItem, string, error) {
	// Load all items on first call
	if !a.loaded {
		if err := a.loadItems(); err != nil {
			return nil, "", fmt.Errorf("failed to load items: %w", err)
		}
		a.loaded = true
	}

	// Parse cursor (index)
	startIndex := 0
	if cursor != "" {
		var err error
		startIndex, err = strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
	}

	if startIndex >= len(a.items) {
		return []domain.WorkItem{}, "", nil // No more items
	}

	endIndex := startIndex + limit
	if endIndex > len(a.items) {
		endIndex = len(a.items)
	}

	batch := a.items[startIndex:endIndex]

	nextCursor := ""
	if endIndex < len(a.items) {
		nextCursor = strconv.Itoa(endIndex)
	}

	return batch, nextCursor, nil
}

// loadItems walks the directory and loads all video files
func (a *Adapter) loadItems() error {
	root, err := filepath.Abs(a.root)
	if err != nil {
		return err
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return fmt.Errorf("catalog directory does not exist: %s", root)
	}

	a.items = []domain.WorkItem{}

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		name := info.Name()
		if strings.HasPrefix(name, ".") || !isVideo(name) {
			return nil
		}

		// Generate the item ID from the relative path
		relPath, _ := filepath.Rel(root, path)
		id := strings.TrimSuffix(relPath, filepath.Ext(relPath))
		id = strings.ReplaceAll(id, string(os.PathSeparator), "_")

		a.items = append(a.items, domain.WorkItem{
			ID:        id,
			SourceKey: path,
			Title:     strings.TrimSuffix(name, filepath.Ext(name)),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk directory: %w", err)
	}

	// Sort items by ID for consistent ordering
	sort.Slice(a.items, func(i, j int) bool {
		return a.items[i].ID < a.items[j].ID
	})
	for i := range a.items {
		a.items[i].Row = int64(i + 1)
	}

	return nil
}

func isVideo(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".mkv", ".webm", ".mov", ".avi", ".m4v", ".flv":
		return true
	}
	return false
}

// GetTotalCount returns the total number of items
func (a *Adapter) GetTotalCount() (int, error) {
	if !a.loaded {
		if err := a.loadItems(); err != nil {
			return 0, err
		}
		a.loaded = true
	}
	return len(a.items), nil
}
