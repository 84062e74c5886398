package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/timmy/avcorpus/internal/config"
	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/logger"
	"github.com/timmy/avcorpus/internal/source"
	"github.com/timmy/avcorpus/internal/source/csvcatalog"
	"github.com/timmy/avcorpus/internal/source/dircatalog"
	"github.com/timmy/avcorpus/internal/source/jsonlcatalog"
)

// openCatalog picks a catalog reader by path: a directory of local videos,
// a JSONL manifest, or a delimited catalog file.
func openCatalog(cfg config.CatalogConfig) (source.Catalog, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("no catalog given: pass --catalog or set catalog.path")
	}
	info, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("catalog unreadable: %w", err)
	}

	log := logger.GetDefault().WithField(logger.FieldComponent, "catalog")
	onRowError := func(err *domain.CatalogFormatError) {
		log.WithFields(logger.Fields{
			"row":    err.Row,
			"reason": err.Reason,
		}).Warn("Skipping malformed catalog row")
	}

	switch {
	case info.IsDir():
		return dircatalog.NewAdapter(cfg.Path), nil
	case strings.EqualFold(filepath.Ext(cfg.Path), ".jsonl"):
		return jsonlcatalog.NewAdapter(cfg.Path, cfg.URLTemplate, onRowError), nil
	default:
		return csvcatalog.NewAdapter(cfg, onRowError), nil
	}
}
