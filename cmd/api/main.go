package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dvloznov/import-pipeline/internal/api/handlers"
	"github.com/dvloznov/import-pipeline/internal/api/middleware"
	"github.com/dvloznov/import-pipeline/internal/batch"
	"github.com/dvloznov/import-pipeline/internal/categorize"
	"github.com/dvloznov/import-pipeline/internal/dedupe"
	"github.com/dvloznov/import-pipeline/internal/extraction"
	"github.com/dvloznov/import-pipeline/internal/jobs"
	jobsInmem "github.com/dvloznov/import-pipeline/internal/jobs/inmemory"
	"github.com/dvloznov/import-pipeline/internal/jobs/sqlitestore"
	"github.com/dvloznov/import-pipeline/internal/logger"
	"github.com/dvloznov/import-pipeline/internal/notionsync"
	"github.com/dvloznov/import-pipeline/internal/processor"
	"github.com/dvloznov/import-pipeline/internal/storage"
	bqstore "github.com/dvloznov/import-pipeline/internal/store/bigquery"
	storeInmem "github.com/dvloznov/import-pipeline/internal/store/inmemory"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	// Parse command-line flags
	var (
		port      = flag.String("port", "8080", "HTTP server port")
		bucket    = flag.String("bucket", os.Getenv("GCS_BUCKET"), "GCS bucket for staged uploads (or set GCS_BUCKET env)")
		workers   = flag.Int("workers", 4, "number of item-processing workers")
		jobDB     = flag.String("job-db", os.Getenv("JOB_DB_PATH"), "SQLite path for durable job tracking (or set JOB_DB_PATH env); empty keeps jobs in memory")
		includeAI = flag.Bool("include-ai", os.Getenv("INCLUDE_AI") == "true", "enable the AI categorization fallback (or set INCLUDE_AI=true)")
	)
	flag.Parse()

	// Load .env if present; environment variables win
	_ = godotenv.Load()

	// Initialize logger
	log := logger.New()

	ctx := context.Background()

	// Persistence
	st := storeInmem.New()

	// Job infrastructure
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

	// Pipeline components
	fetcher := storage.NewClient()
	extractor := extraction.NewService(extraction.NewGeminiParser(os.Getenv("GEMINI_MODEL")))
	detector := dedupe.NewDetector(st)

	ruleSource := categorize.NewRuleSource(st)
	historySource := categorize.NewHistorySource(st)
	aiSource := categorize.NewAISource(categorize.NewGeminiSuggester(st, os.Getenv("GEMINI_MODEL")))
	engine := categorize.NewEngine(st, ruleSource, historySource, aiSource)
	ruleService := categorize.NewRuleService(st, ruleSource)

	proc := processor.New(st, fetcher, extractor, detector, engine, log, processor.Config{
		IncludeAI: *includeAI,
	})

	// Warehouse mirroring is optional
	if project := os.Getenv("WAREHOUSE_PROJECT"); project != "" {
		dataset := os.Getenv("WAREHOUSE_DATASET")
		if dataset == "" {
			dataset = "imports"
		}
		warehouse, err := bqstore.NewWarehouse(ctx, project, dataset)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create warehouse client")
		}
		defer warehouse.Close()
		proc.WithWarehouse(warehouse)
	}

	// Start item workers in background
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	go func() {
		log.Info().Int("workers", *workers).Msg("Starting item workers")
		if err := jobQueue.Start(workerCtx, proc.HandleJob); err != nil {
			log.Error().Err(err).Msg("Item workers stopped with error")
		}
	}()

	coordinator := batch.NewCoordinator(st, jobQueue, log)

	// Notion export is optional
	var exporter *notionsync.Exporter
	if token, dbID := os.Getenv("NOTION_TOKEN"), os.Getenv("NOTION_TRANSACTIONS_DB"); token != "" && dbID != "" {
		exporter = notionsync.NewExporter(notionsync.NewNotionClient(token), st, dbID, log)
	} else {
		log.Warn().Msg("Notion export not configured - set NOTION_TOKEN and NOTION_TRANSACTIONS_DB to enable")
	}

	// Initialize handlers
	batchesHandler := handlers.NewBatchesHandler(coordinator, exporter, log)
	rulesHandler := handlers.NewRulesHandler(ruleService, st, log)
	jobsHandler := handlers.NewJobsHandler(jobStore, log)
	uploadsHandler := handlers.NewUploadsHandler(*bucket, log)

	handler := newRouter(batchesHandler, rulesHandler, jobsHandler, uploadsHandler, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", *port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Cancel worker context
	cancelWorker()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Stop job queue and wait for in-flight jobs
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	// Close job queue
	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Server exited")
}

// newRouter assembles the routes and middleware chain. Everything under /api
// requires the forwarded owner header; /health stays open so load balancers
// can probe without credentials.
func newRouter(batchesHandler *handlers.BatchesHandler, rulesHandler *handlers.RulesHandler, jobsHandler *handlers.JobsHandler, uploadsHandler *handlers.UploadsHandler, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Upload endpoint
	mux.HandleFunc("/api/uploads", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			uploadsHandler.Upload(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Batch endpoints
	mux.HandleFunc("/api/batches", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			batchesHandler.CreateBatch(w, r)
		case http.MethodGet:
			batchesHandler.ListBatches(w, r)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/batches/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/batches/")
		batchID, action, _ := strings.Cut(rest, "/")
		if batchID == "" {
			middleware.WriteError(w, http.StatusBadRequest, "Batch ID is required")
			return
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			batchesHandler.GetBatch(w, r, batchID)
		case action == "status" && r.Method == http.MethodGet:
			batchesHandler.GetBatchStatus(w, r, batchID)
		case action == "items" && r.Method == http.MethodGet:
			batchesHandler.ListBatchItems(w, r, batchID)
		case action == "activity" && r.Method == http.MethodGet:
			batchesHandler.ListBatchActivity(w, r, batchID)
		case action == "transactions" && r.Method == http.MethodGet:
			batchesHandler.ListBatchTransactions(w, r, batchID)
		case action == "cancel" && r.Method == http.MethodPost:
			batchesHandler.CancelBatch(w, r, batchID)
		case action == "export" && r.Method == http.MethodPost:
			batchesHandler.ExportBatch(w, r, batchID)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Item endpoints
	mux.HandleFunc("/api/items/retry-all", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			batchesHandler.RetryAll(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/items/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/items/")
		itemID, action, _ := strings.Cut(rest, "/")
		if itemID == "" {
			middleware.WriteError(w, http.StatusBadRequest, "Item ID is required")
			return
		}

		if action == "retry" && r.Method == http.MethodPost {
			batchesHandler.RetryItem(w, r, itemID)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Rule endpoints
	mux.HandleFunc("/api/rules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			rulesHandler.CreateRule(w, r)
		case http.MethodGet:
			rulesHandler.ListRules(w, r)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/rules/", func(w http.ResponseWriter, r *http.Request) {
		ruleID := strings.TrimPrefix(r.URL.Path, "/api/rules/")
		if ruleID == "" {
			middleware.WriteError(w, http.StatusBadRequest, "Rule ID is required")
			return
		}
		if r.Method == http.MethodDelete {
			rulesHandler.DeleteRule(w, r, ruleID)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Category endpoints
	mux.HandleFunc("/api/categories", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			rulesHandler.CreateCategory(w, r)
		case http.MethodGet:
			rulesHandler.ListCategories(w, r)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/categories/", func(w http.ResponseWriter, r *http.Request) {
		categoryID := strings.TrimPrefix(r.URL.Path, "/api/categories/")
		if categoryID == "" {
			middleware.WriteError(w, http.StatusBadRequest, "Category ID is required")
			return
		}
		if r.Method == http.MethodDelete {
			rulesHandler.DeleteCategory(w, r, categoryID)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Jobs endpoints
	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			jobsHandler.ListJobs(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
			if jobID == "" {
				middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
				return
			}
			jobsHandler.GetJob(w, r, jobID)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	root := http.NewServeMux()
	root.Handle("/api/", middleware.Auth(mux))

	// Health check endpoint, outside the owner-header requirement
	root.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	return middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(
				middleware.CORS(root),
			),
		),
	)
}
