package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/timmy/avcorpus/internal/config"
	"github.com/timmy/avcorpus/internal/logger"
	"github.com/timmy/avcorpus/internal/repository"
	"gorm.io/gorm"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := os.MkdirAll(cfg.Workdir, 0o755); err != nil {
			c.configErr = fmt.Errorf("failed to create workdir: %w", err)
			return
		}
		c.config = cfg
		logger.SetDefaultLogger(newLogger(cfg))
	})
	return c.config, c.configErr
}

func newLogger(cfg *config.Config) *logger.Logger {
	opts := logger.OptionsFromEnv()
	opts.Level = cfg.Log.Level
	opts.Format = cfg.Log.Format
	opts.File = cfg.Log.File
	opts.MaxSize = cfg.Log.MaxSize
	opts.MaxBackups = cfg.Log.MaxBackups
	opts.MaxAge = cfg.Log.MaxAge
	opts.Compress = cfg.Log.Compress
	return logger.NewWithOptions(opts)
}

// openDB opens the progress store. The read-only commands use it too, so it
// never needs the media tools or the artifact store.
func (c *commandContext) openDB() (*gorm.DB, func(), error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return db, closeFn, nil
}
