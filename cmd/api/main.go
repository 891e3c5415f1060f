package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"verisource/api/internal/app"
	"verisource/api/internal/auth"
	"verisource/api/internal/config"
	"verisource/api/internal/jobs"
	"verisource/api/internal/ledger"
	"verisource/api/internal/notify"
	"verisource/api/internal/pipeline"
	"verisource/api/internal/statemachine"
	"verisource/api/internal/storage"
	"verisource/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	if len(applied) > 0 {
		log.Printf("applied migrations: %s", strings.Join(applied, ", "))
	}

	dataStore := store.NewPostgresStore(db)

	var sink notify.Sink = notify.Noop{}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisSink, err := notify.NewRedisSink(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisSink.Close()
		sink = redisSink
		log.Printf("Publishing project events to Redis")
	}

	var files storage.Capability
	if strings.TrimSpace(cfg.StorageEndpoint) != "" {
		minioStorage, err := storage.NewMinioStorage(cfg.StorageEndpoint, cfg.StorageAccessKey, cfg.StorageSecretKey, cfg.StorageBucket, cfg.StorageUseSSL)
		if err != nil {
			log.Fatalf("object storage init failed: %v", err)
		}
		if err := minioStorage.EnsureBucket(ctx); err != nil {
			log.Fatalf("object storage bucket check failed: %v", err)
		}
		files = minioStorage
		log.Printf("Evidence uploads go to bucket %s", cfg.StorageBucket)
	} else {
		log.Printf("No storage endpoint configured; evidence uploads disabled")
	}

	var candidates pipeline.CandidateSource = pipeline.NewHTTPCandidateSource(cfg.CandidateAPIURL, cfg.CandidateAPIKey)
	var textgen pipeline.TextGenerator
	if strings.TrimSpace(cfg.TextGenURL) != "" {
		textgen = pipeline.NewHTTPTextGenerator(cfg.TextGenURL, cfg.TextGenKey)
	}

	ledgerService := ledger.NewService(dataStore)
	machine := statemachine.NewService(dataStore)
	pipelineService := pipeline.NewService(dataStore, ledgerService, candidates, textgen, sink)

	queue := jobs.NewQueue(cfg.JobBuffer, cfg.WorkerCount, nil)
	verifier := auth.NewHMACVerifier([]byte(cfg.AuthSecret))
	service := app.New(cfg, dataStore, verifier, ledgerService, machine, pipelineService, files, queue, sink)
	service.RegisterJobHandlers(queue)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	queue.Start(workerCtx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Verisource API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	queue.Drain()
}
