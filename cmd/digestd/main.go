package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/delivery"
	"github.com/xaenox/tg-digest/internal/digest"
	"github.com/xaenox/tg-digest/internal/ocr"
	"github.com/xaenox/tg-digest/internal/pipeline"
	"github.com/xaenox/tg-digest/internal/source"
	"github.com/xaenox/tg-digest/internal/storage"
	"github.com/xaenox/tg-digest/internal/summarizer"
	"github.com/xaenox/tg-digest/pkg/config"
)

var (
	configPath string
	phase      string
	tenantID   int64
	sourceID   int64
)

func main() {
	root := &cobra.Command{
		Use:          "digestd",
		Short:        "Chat ingestion and digest pipeline",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline continuously",
		RunE:  runLoop,
	}

	onceCmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single pipeline cycle and exit",
		RunE:  runOnce,
	}

	for _, cmd := range []*cobra.Command{runCmd, onceCmd} {
		cmd.Flags().StringVar(&phase, "phase", "all", "phase to run: fetch, media, ocr, digest or all")
		cmd.Flags().Int64Var(&tenantID, "tenant", 0, "restrict to one tenant id")
		cmd.Flags().Int64Var(&sourceID, "source", 0, "restrict to one source id")
	}

	root.AddCommand(runCmd, onceCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runLoop(cmd *cobra.Command, args []string) error {
	p, cfg, logger, cleanup, err := buildPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(cfg.Pipeline.IntervalSeconds) * time.Second
	logger.Info("Pipeline started", zap.Duration("interval", interval))

	return p.Run(ctx, interval, buildOptions())
}

func runOnce(cmd *cobra.Command, args []string) error {
	p, _, logger, cleanup, err := buildPipeline()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := p.RunCycle(ctx, buildOptions())
	if err != nil {
		return err
	}

	logger.Info("Cycle complete",
		zap.String("run_id", res.RunID.String()),
		zap.Int("digests", res.Digests),
		zap.Int("failed", res.Failed))

	if res.Failed > 0 {
		return fmt.Errorf("%d source(s) failed", res.Failed)
	}
	return nil
}

func buildOptions() pipeline.Options {
	return pipeline.Options{
		Phase:    pipeline.Phase(phase),
		TenantID: tenantID,
		SourceID: sourceID,
	}
}

func buildPipeline() (*pipeline.Pipeline, *config.Config, *zap.Logger, func(), error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Sync()
		return nil, nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	reg, err := config.LoadRegistry(cfg.Pipeline.SourcesFile)
	if err != nil {
		logger.Sync()
		return nil, nil, nil, nil, err
	}

	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Warn("Using in-memory storage, data will not survive restarts")
		store = storage.NewMemoryStorage()
	} else {
		store, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err != nil {
			logger.Sync()
			return nil, nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
	}

	loc, err := time.LoadLocation(cfg.Pipeline.Timezone)
	if err != nil {
		store.Close()
		logger.Sync()
		return nil, nil, nil, nil, fmt.Errorf("invalid timezone %q: %w", cfg.Pipeline.Timezone, err)
	}

	var primary, fallback ocr.Extractor
	if cfg.OCR.APIKey != "" {
		primary = ocr.NewOCRSpace(cfg.OCR.APIKey)
	}
	fallback = ocr.NewTesseract(cfg.OCR.TesseractPath)
	if primary == nil {
		primary, fallback = fallback, nil
	}
	ocrSvc := ocr.NewService(store, primary, fallback, cfg.OCR.Languages, logger)

	sum := summarizer.NewOpenAISummarizer(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.BaseURL,
		cfg.OpenAI.Model,
		cfg.OpenAI.MaxTokens,
		cfg.OpenAI.Temperature,
		logger,
	)

	generator := digest.NewGenerator(store, sum, cfg.Pipeline.PromptsDir, logger)
	updater := digest.NewUpdater(store, sum, cfg.Pipeline.RepoDir, cfg.Pipeline.PromptsDir, logger)
	artifacts := digest.NewArtifactWriter(cfg.Pipeline.RepoDir)

	registry := delivery.NewRegistry(cfg.Telegram.Token, logger)
	engine := delivery.NewEngine(store, delivery.NewTelegramSender(registry), logger)
	notifier := delivery.NewNotifier(registry, cfg.Telegram.OperatorChatIDs, logger)

	clients := source.NewTelegramProvider(cfg.Telegram.Token, logger)

	p := pipeline.New(
		store, clients, ocrSvc,
		generator, updater, artifacts,
		engine, notifier,
		reg.Tenants, reg.Sources,
		pipeline.Config{
			MediaDir:      cfg.Pipeline.MediaDir,
			RepoDir:       cfg.Pipeline.RepoDir,
			StateDir:      cfg.Pipeline.StateDir,
			OCRBatchLimit: cfg.OCR.BatchLimit,
			DailyHour:     cfg.Pipeline.DailyHour,
			Location:      loc,
		},
		logger,
	)

	cleanup := func() {
		store.Close()
		logger.Sync()
	}
	return p, cfg, logger, cleanup, nil
}
