package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cararth/listing-ingestion-service/internal/assets"
	"github.com/cararth/listing-ingestion-service/internal/config"
	"github.com/cararth/listing-ingestion-service/internal/dedupe"
	"github.com/cararth/listing-ingestion-service/internal/ingestion"
	"github.com/cararth/listing-ingestion-service/internal/logging"
	"github.com/cararth/listing-ingestion-service/internal/pipeline"
	"github.com/cararth/listing-ingestion-service/internal/providers"
	"github.com/cararth/listing-ingestion-service/internal/scheduler"
	"github.com/cararth/listing-ingestion-service/internal/server"
	"github.com/cararth/listing-ingestion-service/internal/spend"
	"github.com/cararth/listing-ingestion-service/internal/storage"
)

func main() {
	runOnce := flag.Bool("run-once", false, "run a single batch and exit")
	testAPIs := flag.Bool("test-apis", false, "report configured providers and check the store, then exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger, *runOnce, *testAPIs); err != nil {
		logger.Error("main: exiting with error", zap.Error(err))
		logger.Sync() //nolint:errcheck
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger, runOnce, testAPIs bool) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.NewStorage(ctx, cfg.Storage)
	if err != nil {
		return eris.Wrap(err, "failed to initialize storage")
	}
	defer store.Close()

	ledger, err := storage.NewLedger(ctx, cfg.Storage, store)
	if err != nil {
		return eris.Wrap(err, "failed to initialize spend ledger")
	}
	defer ledger.Close()

	tracker := spend.NewTracker(ledger, map[string]float64{
		spend.Premium:    cfg.Pipeline.DailyPremiumBudget,
		spend.Perplexity: cfg.Pipeline.DailyMarketBudget,
	}, loc, logger)

	clients, err := newClients(ctx, cfg)
	if err != nil {
		return err
	}

	if testAPIs {
		return reportAPIs(ctx, logger, store, clients)
	}

	uploader, err := newUploader(cfg.Assets)
	if err != nil {
		return err
	}

	index := dedupe.NewBruteForce(store, cfg.Pipeline.DedupeSimilarity, cfg.Pipeline.DedupeScanLimit, cfg.Pipeline.DedupeMaxResults)
	stages := pipeline.Stages{
		Fallback:  pipeline.NewFallbackExtractor(clients.fallback, tracker, logger),
		Trust:     pipeline.NewTrustEvaluator(clients.trust, tracker, cfg.Pipeline.PremiumPriceThreshold, logger),
		Anomaly:   pipeline.NewAnomalyChecker(clients.market, tracker, pipeline.NoMedian, cfg.Pipeline.PriceAnomalyPct, logger),
		Dedupe:    pipeline.NewDeduplicator(clients.embedder, index, store, tracker, cfg.Pipeline.EmbedDimension, logger),
		Finalizer: pipeline.NewFinalizer(clients.premium, tracker, cfg.Pipeline.PremiumPriceThreshold, cfg.Pipeline.TrustScorePublish, cfg.Pipeline.MinPublishPrice, logger),
		Assets:    assets.NewPipeline(cfg.Assets, uploader, logger),
	}
	source := ingestion.NewService(cfg.Ingestion, logger)
	orchestrator := pipeline.NewOrchestrator(cfg.Pipeline, store, source, tracker, stages, logger)

	if runOnce {
		_, err := orchestrator.RunBatch(ctx, time.Now().In(loc))
		return err
	}

	// Initialize HTTP server for ops endpoints
	httpServer := server.NewServer(cfg.Server, store, tracker, logger)
	sched := scheduler.NewScheduler(orchestrator, loc, logger)
	if err := sched.Start(ctx, cfg.Schedule.Cron); err != nil {
		return err
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("main: shutdown signal received, gracefully shutting down")
	case err := <-serverErr:
		logger.Error("main: HTTP server error", zap.Error(err))
	}

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("main: HTTP server shutdown error", zap.Error(err))
	}

	// Running batches see the cancellation and stop between items
	cancel()
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("main: batch still running at shutdown deadline")
	}

	logger.Info("main: shutdown complete")
	return nil
}

// clients holds the provider for each pipeline role; nil means not configured
type clients struct {
	fallback providers.Completer
	trust    providers.Completer
	market   providers.Completer
	premium  providers.Completer
	embedder providers.Embedder
}

func newClients(ctx context.Context, cfg *config.Config) (clients, error) {
	p := cfg.Providers
	var c clients

	if p.GeminiAPIKey != "" {
		gemini, err := providers.NewGeminiClient(ctx, providers.GeminiOptions{
			APIKey:     p.GeminiAPIKey,
			Model:      p.GeminiModel,
			EmbedModel: p.EmbeddingModel,
			Dimension:  cfg.Pipeline.EmbedDimension,
			Timeout:    p.Timeout,
		})
		if err != nil {
			return c, err
		}
		c.fallback = gemini
		if p.EmbeddingProvider == "gemini" {
			c.embedder = gemini
		}
	}

	if p.AnthropicAPIKey != "" {
		c.trust = providers.NewClaudeClient(p.AnthropicAPIKey, p.AnthropicModel, p.Timeout, option.WithMaxRetries(1))
	}

	if p.PerplexityAPIKey != "" {
		c.market = providers.NewOpenAIClient(providers.OpenAIOptions{
			BaseURL:           p.PerplexityBaseURL,
			APIKey:            p.PerplexityAPIKey,
			Model:             p.PerplexityModel,
			MaxTokens:         500,
			Timeout:           p.MarketTimeout,
			RequestsPerSecond: p.RequestsPerSecond,
		})
	}

	if p.OpenAIAPIKey != "" {
		openai := providers.NewOpenAIClient(providers.OpenAIOptions{
			BaseURL:           p.OpenAIBaseURL,
			APIKey:            p.OpenAIAPIKey,
			Model:             p.OpenAIModel,
			EmbedModel:        p.EmbeddingModel,
			MaxTokens:         800,
			Timeout:           p.Timeout,
			RequestsPerSecond: p.RequestsPerSecond,
		})
		c.premium = openai
		if p.EmbeddingProvider == "openai" {
			c.embedder = openai
		}
	}
	return c, nil
}

func newUploader(cfg config.AssetsConfig) (assets.Uploader, error) {
	if cfg.Uploader == "s3" {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.S3Region)})
		if err != nil {
			return nil, eris.Wrap(err, "failed to create AWS session")
		}
		issuer := assets.NewS3Presigner(s3.New(sess), cfg.S3Bucket, cfg.S3Prefix)
		return assets.NewPresignedUploader(issuer, cfg.UploadTimeout), nil
	}
	return assets.NewPresignedUploader(assets.NewServerIssuer(cfg.ServerURL, cfg.UploadToken), cfg.UploadTimeout), nil
}

func reportAPIs(ctx context.Context, logger *zap.Logger, store storage.Storage, c clients) error {
	logger.Info("main: configured providers",
		zap.Bool("fallback_extraction", c.fallback != nil),
		zap.Bool("trust_validation", c.trust != nil),
		zap.Bool("market_research", c.market != nil),
		zap.Bool("premium_validation", c.premium != nil),
		zap.Bool("embeddings", c.embedder != nil),
	)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		return eris.Wrap(err, "store is not reachable")
	}
	logger.Info("main: store reachable")
	return nil
}
