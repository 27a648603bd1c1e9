package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dvloznov/import-pipeline/internal/batch"
	"github.com/dvloznov/import-pipeline/internal/categorize"
	"github.com/dvloznov/import-pipeline/internal/dedupe"
	"github.com/dvloznov/import-pipeline/internal/extraction"
	"github.com/dvloznov/import-pipeline/internal/jobs"
	jobsInmem "github.com/dvloznov/import-pipeline/internal/jobs/inmemory"
	"github.com/dvloznov/import-pipeline/internal/jobs/sqlitestore"
	"github.com/dvloznov/import-pipeline/internal/logger"
	"github.com/dvloznov/import-pipeline/internal/processor"
	"github.com/dvloznov/import-pipeline/internal/storage"
	bqstore "github.com/dvloznov/import-pipeline/internal/store/bigquery"
	storeInmem "github.com/dvloznov/import-pipeline/internal/store/inmemory"
	"github.com/joho/godotenv"
)

func main() {
	var (
		workers       = flag.Int("workers", 4, "number of item-processing workers")
		jobDB         = flag.String("job-db", os.Getenv("JOB_DB_PATH"), "SQLite path for durable job tracking (or set JOB_DB_PATH env); empty keeps jobs in memory")
		includeAI     = flag.Bool("include-ai", os.Getenv("INCLUDE_AI") == "true", "enable the AI categorization fallback (or set INCLUDE_AI=true)")
		autoRetry     = flag.Bool("auto-retry", false, "periodically re-enqueue failed items with retries remaining")
		retryInterval = flag.Duration("retry-interval", time.Minute, "interval between auto-retry sweeps")
		retryOwners   = flag.String("retry-owners", os.Getenv("RETRY_OWNERS"), "comma-separated owner ids covered by auto-retry sweeps")
	)
	flag.Parse()

	_ = godotenv.Load()

	log := logger.New()

	st := storeInmem.New()

	var jobStore jobs.JobStore
	if *jobDB != "" {
		sqlStore, err := sqlitestore.Open(*jobDB)
		if err != nil {
			log.Fatal().Err(err).Str("path", *jobDB).Msg("Failed to open job database")
		}
		defer sqlStore.Close()
		jobStore = sqlStore
	} else {
		jobStore = jobsInmem.NewStore()
	}
	jobQueue := jobsInmem.NewQueue(100, *workers, jobStore)

	fetcher := storage.NewClient()
	extractor := extraction.NewService(extraction.NewGeminiParser(os.Getenv("GEMINI_MODEL")))
	detector := dedupe.NewDetector(st)

	ruleSource := categorize.NewRuleSource(st)
	historySource := categorize.NewHistorySource(st)
	aiSource := categorize.NewAISource(categorize.NewGeminiSuggester(st, os.Getenv("GEMINI_MODEL")))
	engine := categorize.NewEngine(st, ruleSource, historySource, aiSource)

	proc := processor.New(st, fetcher, extractor, detector, engine, log, processor.Config{
		IncludeAI: *includeAI,
	})

	// Warehouse mirroring is optional
	if project := os.Getenv("WAREHOUSE_PROJECT"); project != "" {
		dataset := os.Getenv("WAREHOUSE_DATASET")
		if dataset == "" {
			dataset = "imports"
		}
		warehouse, err := bqstore.NewWarehouse(context.Background(), project, dataset)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create warehouse client")
		}
		defer warehouse.Close()
		proc.WithWarehouse(warehouse)
	}

	log.Info().Int("workers", *workers).Msg("Starting worker service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := jobQueue.Start(ctx, proc.HandleJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	if *autoRetry {
		owners := strings.Split(*retryOwners, ",")
		coordinator := batch.NewCoordinator(st, jobQueue, log)
		go func() {
			ticker := time.NewTicker(*retryInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					for _, owner := range owners {
						owner = strings.TrimSpace(owner)
						if owner == "" {
							continue
						}
						retried, err := coordinator.RetrySweep(ctx, owner)
						if err != nil {
							log.Error().Err(err).Str("owner_id", owner).Msg("Retry sweep failed")
							continue
						}
						if retried > 0 {
							log.Info().Str("owner_id", owner).Int("retried", retried).Msg("Retry sweep re-enqueued items")
						}
					}
				}
			}
		}()
	}

	log.Info().Msg("Worker service started, waiting for jobs...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker service...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Worker service exited")
}
