package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backend/internal/blob"
	"backend/internal/cache"
	"backend/internal/data"
	"backend/internal/drivers"
	"backend/internal/httpapi"
	"backend/internal/llm"
	"backend/internal/metrics"
	"backend/internal/provider"
	"backend/internal/ratelimit"
	"backend/internal/registry"
	"backend/internal/scanner"
	"backend/internal/session"
)

func main() {
	conn, cleanup := data.InitConn(getEnv("IN_CONTAINER", "true") != "false")
	defer cleanup()
	logger := conn.Logger

	bookCache := cache.New(conn.Cache)
	limiter := ratelimit.New(conn.Cache, logger)
	reg := registry.New(conn.Cache, logger, 30*time.Minute)

	geminiKey := mustGetEnv("GEMINI_API_KEY")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := data.EnsureJobRunsTable(ctx, conn); err != nil {
		logger.Fatalw("failed to ensure job_runs table", "error", err)
	}

	llmProvider, err := llm.NewGeminiProvider(ctx, geminiKey, getEnv("GEMINI_MODEL", ""), logger)
	if err != nil {
		logger.Fatalw("failed to construct gemini CSV parser", "error", err)
	}
	scanProvider, err := scanner.NewGeminiProvider(ctx, geminiKey, getEnv("GEMINI_MODEL", ""), logger)
	if err != nil {
		logger.Fatalw("failed to construct gemini shelf scanner", "error", err)
	}
	blobStore, err := blob.NewLocalStore(getEnv("BLOB_DIR", "/var/lib/book-enrichment/blobs"))
	if err != nil {
		logger.Fatalw("failed to open blob store", "error", err)
	}

	batchDriver := &drivers.BatchEnrichment{
		Cache:     bookCache,
		Providers: []provider.Provider{provider.NewOpenLibraryProvider()},
		Logger:    logger,
		Audit:     conn,
	}
	csvDriver := &drivers.CSVImport{
		LLM:    llmProvider,
		Cache:  bookCache,
		Logger: logger,
		Audit:  conn,
	}
	scanDriver := &drivers.ShelfScan{
		Blob:    blobStore,
		Scanner: scanProvider,
		Logger:  logger,
		Audit:   conn,
	}

	poller := registry.NewPoller(reg, map[string]session.AlarmHandler{
		"resume_csv_import": csvDriver.Resume,
	})
	go poller.Run(ctx)
	defer poller.Stop()

	deps := &httpapi.Deps{
		Registry:    reg,
		RateLimiter: limiter,
		BatchDriver: batchDriver,
		CSVDriver:   csvDriver,
		ScanDriver:  scanDriver,
		Logger:      logger,
	}
	router := httpapi.NewRouter(deps)

	apiAddr := ":" + getEnv("PORT", "8080")
	apiServer := &http.Server{Addr: apiAddr, Handler: router}
	go func() {
		logger.Infow("httpapi: listening", "addr", apiAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("httpapi: listen failed", "error", err)
		}
	}()

	metricsServer := metrics.NewServer(getEnv("METRICS_PORT", "9090"))
	if err := metricsServer.Start(); err != nil {
		logger.Errorw("metrics: listen failed", "error", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Infow("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("httpapi: graceful shutdown failed", "error", err)
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Errorw("metrics: graceful shutdown failed", "error", err)
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// mustGetEnv crashes the process at startup rather than silently running
// with no LLM backend, since the csv_import and shelf_scan drivers require a
// working Gemini client and a dead one should surface immediately, not on
// first use.
func mustGetEnv(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		panic(fmt.Sprintf("missing required environment variable %s", key))
	}
	return v
}
