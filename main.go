package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/coreybb/kindledrop/api"
	"github.com/coreybb/kindledrop/datastore"
	"github.com/coreybb/kindledrop/delivery"
	"github.com/coreybb/kindledrop/ebook"
	"github.com/coreybb/kindledrop/fetch"
	"github.com/coreybb/kindledrop/metrics"
	rh "github.com/coreybb/kindledrop/route-handlers"
	"github.com/coreybb/kindledrop/scheduler"
)

const (
	defaultPort            = "8080"
	defaultDatabaseURL     = "user=postgres password=password dbname=kindledrop host=localhost port=5432 sslmode=disable"
	defaultEpubDir         = "/var/lib/kindledrop/epubs"
	defaultPollInterval    = time.Minute
	defaultMaxConcurrent   = 3
	defaultFetchTimeout    = 10 * time.Minute
	defaultMaxAttachmentMB = 25
	defaultFileRetention   = 24 * time.Hour
	defaultRecordRetention = 30 * 24 * time.Hour
	cleanupCronSpec        = "0 3 * * *" // 03:00 UTC daily
	dbPingTimeout          = 5 * time.Second
	shutdownTimeout        = 15 * time.Second
	dbMaxOpenConns         = 25
	dbMaxIdleConns         = 25
	dbConnMaxLifetime      = 5 * time.Minute
)

type config struct {
	port            string
	databaseURL     string
	epubDir         string
	pollInterval    time.Duration
	maxConcurrent   int
	fetchTimeout    time.Duration
	maxAttachment   int64
	fileRetention   time.Duration
	recordRetention time.Duration
}

func main() {
	cfg := loadConfig()

	db, err := setupDatabase(cfg.databaseURL)
	if err != nil {
		log.Fatalf("Database setup failed: %v", err)
	}
	defer db.Close()

	userRepo := datastore.NewUserRepository(db)
	subscriptionRepo := datastore.NewSubscriptionRepository(db)
	deliveryRepo := datastore.NewDeliveryRepository(db)

	// Metrics
	registry := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(registry)

	// Content fetchers
	calibreFetcher := fetch.NewCalibreFetcher(cfg.fetchTimeout)
	if version, err := calibreFetcher.Verify(context.Background()); err != nil {
		log.Printf("WARNING: Calibre verification failed: %v. Recipe subscriptions will fail.", err)
	} else {
		log.Printf("Calibre available: %s", version)
	}
	feedFetcher := fetch.NewFeedFetcher(ebook.NewBuilder(), cfg.fetchTimeout)

	// Delivery pipeline
	sender := delivery.NewSMTPSender()
	engine := delivery.NewEngine(deliveryRepo, sender, cfg.epubDir, cfg.maxAttachment, calibreFetcher, feedFetcher)

	// Scheduler
	sched := scheduler.New(
		scheduler.Config{PollInterval: cfg.pollInterval, MaxConcurrent: cfg.maxConcurrent},
		subscriptionRepo,
		userRepo,
		engine,
		sink,
	)

	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if err := sched.Run(schedulerCtx); err != nil {
			log.Printf("ERROR: Scheduler stopped: %v", err)
		}
	}()

	// Retention cleanup, daily at 03:00 UTC
	cleanup := scheduler.NewCleanup(deliveryRepo, sink, cfg.fileRetention, cfg.recordRetention)
	cronRunner := cron.New(cron.WithLocation(time.UTC))
	if _, err := cronRunner.AddFunc(cleanupCronSpec, func() {
		if err := cleanup.Run(context.Background()); err != nil {
			log.Printf("ERROR: Retention cleanup failed: %v", err)
		}
	}); err != nil {
		log.Fatalf("Failed to schedule retention cleanup: %v", err)
	}
	cronRunner.Start()

	// HTTP surface
	subscriptionHandler := rh.NewSubscriptionHandler(subscriptionRepo, userRepo, sched)
	deliveryHandler := rh.NewDeliveryHandler(deliveryRepo, sched)
	settingsHandler := rh.NewSettingsHandler(userRepo, sender)
	recipeHandler := rh.NewRecipeHandler(calibreFetcher)

	router := api.SetupRoutes(subscriptionHandler, deliveryHandler, settingsHandler, recipeHandler, registry)

	startServer(cfg.port, router)

	// HTTP server is down; stop background work before exiting.
	stopScheduler()
	<-cronRunner.Stop().Done()
	<-schedulerDone
	log.Println("Background workers stopped")
}

func loadConfig() config {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	dbURL := os.Getenv("DB_CONNECTION_STRING")
	if dbURL == "" {
		dbURL = defaultDatabaseURL
		log.Println("WARNING: DB_CONNECTION_STRING not set, using default local connection string.")
	}

	epubDir := os.Getenv("EPUB_DIR")
	if epubDir == "" {
		epubDir = defaultEpubDir
	}

	return config{
		port:            port,
		databaseURL:     dbURL,
		epubDir:         epubDir,
		pollInterval:    envDuration("SCHEDULER_POLL_INTERVAL", defaultPollInterval),
		maxConcurrent:   envInt("SCHEDULER_MAX_CONCURRENT", defaultMaxConcurrent),
		fetchTimeout:    envDuration("FETCH_TIMEOUT", defaultFetchTimeout),
		maxAttachment:   int64(envInt("MAX_ATTACHMENT_MB", defaultMaxAttachmentMB)) << 20,
		fileRetention:   envDuration("EPUB_RETENTION", defaultFileRetention),
		recordRetention: envDuration("DELIVERY_RECORD_RETENTION", defaultRecordRetention),
	}
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Printf("WARNING: Invalid %s=%q, using %s.", name, raw, fallback)
		return fallback
	}
	return d
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		log.Printf("WARNING: Invalid %s=%q, using %d.", name, raw, fallback)
		return fallback
	}
	return n
}

func setupDatabase(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(dbMaxOpenConns)
	db.SetMaxIdleConns(dbMaxIdleConns)
	db.SetConnMaxLifetime(dbConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), dbPingTimeout)
	defer cancel()

	if err = db.PingContext(ctx); err != nil {
		db.Close() // Close unusable connection pool
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Database connection successful")
	return db, nil
}

func startServer(port string, router http.Handler) {
	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on port %s", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdownSignal // Block until signal received
	log.Println("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}

	log.Println("Server gracefully stopped")
}
