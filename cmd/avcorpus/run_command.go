package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/timmy/avcorpus/internal/api"
	"github.com/timmy/avcorpus/internal/api/middleware"
	"github.com/timmy/avcorpus/internal/config"
	"github.com/timmy/avcorpus/internal/diskguard"
	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/extractor"
	"github.com/timmy/avcorpus/internal/fetcher"
	"github.com/timmy/avcorpus/internal/logger"
	"github.com/timmy/avcorpus/internal/media"
	"github.com/timmy/avcorpus/internal/output"
	"github.com/timmy/avcorpus/internal/repository"
	"github.com/timmy/avcorpus/internal/retry"
	"github.com/timmy/avcorpus/internal/service"
	"github.com/timmy/avcorpus/internal/storage"
	"gorm.io/gorm"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var catalogPath string
	var workers int
	var rescan bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the catalog until every item is done or dead",
		Long: "Reads the catalog into the progress store and processes every item " +
			"that is not finished yet. Safe to interrupt and rerun: finished items " +
			"are never redone.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if catalogPath != "" {
				cfg.Catalog.Path = catalogPath
			}
			if workers > 0 {
				cfg.MaxWorkers = workers
				if cfg.MinWorkers > workers {
					cfg.MinWorkers = workers
				}
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			runCtx, stop := interruptContext(cmd.Context())
			defer stop()

			report, err := runOnce(runCtx, cfg, rescan)
			if report != nil {
				fmt.Fprintln(cmd.OutOrStdout(), renderReport(report))
			}
			if err != nil {
				return err
			}
			if report.StopReason == service.StopReasonHalted {
				return errors.New("run halted: free disk space below the halt floor")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "Catalog file or directory (overrides catalog.path)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Worker count (overrides max_workers)")
	cmd.Flags().BoolVar(&rescan, "rescan", false, "Read the catalog again from the start to pick up new rows")
	return cmd
}

// interruptContext cancels on the first SIGINT/SIGTERM so workers can finish
// their current stage; a second signal exits at once.
func interruptContext(parent context.Context) (context.Context, func()) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		logger.GetDefault().Warn("Received shutdown signal, finishing in-flight stages (signal again to exit now)")
		cancel()
		<-sigChan
		logger.GetDefault().Error("Second signal, exiting")
		os.Exit(130)
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// runOnce wires every component from cfg and performs one run.
func runOnce(ctx context.Context, cfg *config.Config, rescan bool) (*service.RunReport, error) {
	log := logger.GetDefault()

	// Without these every item would fail the same way and burn its attempts.
	if err := media.RequireTools(requiredTools(cfg)); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	catalog, err := openCatalog(cfg.Catalog)
	if err != nil {
		return nil, err
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()
	items := repository.NewItemStateRepository(db)
	runs := repository.NewRunRepository(db)
	checkpoints := repository.NewCheckpointRepository(db)
	if rescan {
		if err := checkpoints.Reset(ctx, catalog.GetSourceID()); err != nil {
			return nil, err
		}
		log.Info("Catalog checkpoint reset; intake starts from the first row")
	}

	store, err := storage.NewStore(ctx, cfg.OutputRoot, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	guardPath := cfg.Workdir
	if local, ok := store.(*storage.LocalStore); ok {
		if n, err := local.CleanTemp(); err != nil {
			log.WithError(err).Warn("Failed to clean leftover temp files")
		} else if n > 0 {
			log.WithField(logger.FieldCount, n).Info("Removed leftover temp files from an interrupted run")
		}
		guardPath = local.Root()
	}
	if s3, ok := store.(*storage.S3Store); ok {
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure bucket: %w", err)
		}
	}

	scratch := cfg.ScratchDir()
	if err := os.RemoveAll(scratch); err != nil {
		return nil, fmt.Errorf("failed to clear scratch: %w", err)
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch: %w", err)
	}

	guard, err := diskguard.New(diskguard.Config{
		Path:          guardPath,
		ThrottleFloor: cfg.DiskThrottleFloorBytes,
		HaltFloor:     cfg.DiskHaltFloorBytes,
		Interval:      cfg.Disk.SampleInterval,
	})
	if err != nil {
		return nil, err
	}
	if _, err := guard.Sample(); err != nil {
		return nil, fmt.Errorf("failed to sample free space: %w", err)
	}
	guardCtx, stopGuard := context.WithCancel(ctx)
	defer stopGuard()
	go guard.Run(guardCtx)

	detector, err := extractor.NewPigoDetector(cfg.Extract.CascadePath, extractor.PigoOptions{
		MinSize: cfg.Extract.MinFaceSize,
	})
	if err != nil {
		return nil, err
	}

	deps := service.SchedulerDeps{
		Items:       items,
		Runs:        runs,
		Checkpoints: checkpoints,
		Fetcher:     newFetcher(cfg),
		Extractor: extractor.NewExtractor(extractor.Options{
			FFmpegPath:      cfg.Extract.FFmpegPath,
			FFprobePath:     cfg.Extract.FFprobePath,
			SampleRate:      cfg.AudioSampleRate,
			BitDepth:        cfg.AudioBitDepth,
			FrameStride:     cfg.FrameSampleStride,
			ConfidenceFloor: cfg.FaceConfidenceFloor,
			MinFaceSize:     cfg.Extract.MinFaceSize,
			FaceSize:        cfg.Extract.FaceSize,
			MaxFaces:        cfg.Extract.MaxFacesPerItem,
			JPEGQuality:     cfg.Extract.JPEGQuality,
			TrimToSegment:   cfg.Extract.TrimToSegment,
		}, detector, nil),
		Writer: output.NewWriter(store, &retry.Policy{
			MaxRetries: 3,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   10 * time.Second,
		}, guard),
		Disk: guard,
	}

	if cfg.Status.Addr != "" {
		srv := startStatusServer(cfg, items, runs, db)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	host, _ := os.Hostname()
	scheduler := service.NewScheduler(service.SchedulerConfig{
		MaxWorkers:       cfg.MaxWorkers,
		MinWorkers:       cfg.MinWorkers,
		MaxAttempts:      cfg.MaxAttempts,
		LeaseTTL:         cfg.LeaseTTL,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		ProgressInterval: cfg.ProgressInterval,
		SweepInterval:    cfg.SweepInterval,
		BatchSize:        cfg.Catalog.BatchSize,
		ScratchDir:       scratch,
		Host:             host,
	}, deps)

	return scheduler.Run(ctx, catalog)
}

// requiredTools lists the external programs the configured pipeline runs.
func requiredTools(cfg *config.Config) []media.Tool {
	tools := []media.Tool{
		{Name: "ffmpeg", Command: cfg.Extract.FFmpegPath},
		{Name: "ffprobe", Command: cfg.Extract.FFprobePath},
	}
	if cfg.Fetch.Resolver == "ytdlp" {
		tools = append(tools, media.Tool{Name: "yt-dlp", Command: cfg.Fetch.YtDlpPath})
	}
	return tools
}

func newFetcher(cfg *config.Config) *fetcher.Fetcher {
	var resolver fetcher.Resolver = fetcher.DirectResolver{}
	if cfg.Fetch.Resolver == "ytdlp" {
		resolver = fetcher.NewYtDlpResolver(fetcher.YtDlpOptions{
			BinaryPath:  cfg.Fetch.YtDlpPath,
			Format:      cfg.Fetch.Format,
			CookiesFile: cfg.Fetch.CookiesFile,
			Proxy:       cfg.Fetch.Proxy,
			UserAgent:   cfg.Fetch.UserAgent,
			Timeout:     cfg.Fetch.Timeout,
		}, nil)
	}
	return fetcher.NewFetcher(
		resolver,
		fetcher.NewLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow),
		&retry.Policy{
			MaxRetries: cfg.Fetch.MaxRetries,
			BaseDelay:  2 * time.Second,
			MaxDelay:   cfg.Fetch.MaxDelay,
			MaxElapsed: cfg.Fetch.MaxWait,
		},
		fetcher.Config{
			ScratchQuota: cfg.ScratchQuotaPerWorker,
			Timeout:      cfg.Fetch.Timeout,
			UserAgent:    cfg.Fetch.UserAgent,
		},
	)
}

func startStatusServer(cfg *config.Config, items *repository.ItemStateRepository, runs *repository.RunRepository, db *gorm.DB) *http.Server {
	router := api.SetupRouter(api.Deps{
		Items: items,
		Runs:  runs,
		Ping:  repository.Ping(db),
		CORS:  middleware.CORSConfig{AllowedOrigins: cfg.Status.AllowedOrigins},
	}, cfg.Status.Mode)
	srv := &http.Server{Addr: cfg.Status.Addr, Handler: router}
	go func() {
		logger.GetDefault().WithField("addr", cfg.Status.Addr).Info("Starting status server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.GetDefault().WithError(err).Error("Status server stopped")
		}
	}()
	return srv
}

func renderReport(r *service.RunReport) string {
	rows := [][]string{
		{"stop reason", string(r.StopReason)},
		{"total items", strconv.FormatInt(r.Counts.Total(), 10)},
	}
	for _, status := range domain.AllStatuses {
		rows = append(rows, []string{string(status), strconv.FormatInt(r.Counts[status], 10)})
	}
	rows = append(rows,
		[]string{"committed this run", strconv.FormatInt(r.Committed, 10)},
		[]string{"artifacts this run", strconv.FormatInt(r.Artifacts, 10)},
		[]string{"fetched", humanize.IBytes(uint64(r.Fetched))},
		[]string{"skipped catalog rows", strconv.FormatInt(r.SkippedRows, 10)},
		[]string{"elapsed", r.Elapsed.Round(time.Second).String()},
	)
	out := renderTable([]string{"Run " + r.RunID, ""}, rows, []columnAlignment{alignLeft, alignRight})
	if len(r.DeadItems) > 0 {
		out += "\n" + renderDeadItems(r.DeadItems, r.DeadTotal)
	}
	return out
}
