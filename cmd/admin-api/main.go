// Package main is the entrypoint for the admin HTTP server.
//
// It exposes the operator backfill tasks over an API-key protected HTTP
// surface, intended for internal access only.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"peerflow/internal/admin"
	"peerflow/internal/categorize"
	"peerflow/internal/config"
	"peerflow/internal/external"
	"peerflow/internal/ingest"
	"peerflow/internal/peers"
	"peerflow/internal/secrets"
	"peerflow/internal/storage"
	"peerflow/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("admin server starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"port", cfg.Admin.Port,
	)

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			o.UsePathStyle = true
		}
	})
	ssmClient := ssm.NewFromConfig(awsCfg, func(o *ssm.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	var metrics telemetry.Metrics = telemetry.Silent{}
	if cfg.AWS.MetricsEnabled {
		metrics = telemetry.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), logger)
	}

	store := storage.NewStore(s3Client, logger)
	fetcher := secrets.NewFetcher(ssmClient, logger)
	processor := ingest.NewProcessor(store, fetcher, cfg.Buckets.Incoming, metrics, logger)
	categorizer := categorize.NewCategorizer(store, cfg.Buckets.Categorized, logger)
	peersClient := external.NewBaseClient(
		&http.Client{Timeout: cfg.Peers.FetchTimeout},
		"peers-config",
		external.DefaultRetryPolicy(),
		"peerflow-admin/"+cfg.Build.Version,
	)
	peerService := peers.NewService(peersClient, cfg.Peers.ConfigURL, cfg.Peers.FetchTimeout, logger)

	runner := admin.NewRunner(
		store, peerService, fetcher, processor, categorizer,
		&http.Client{Timeout: 60 * time.Second},
		cfg.Buckets, nil, cfg.Wise.UseSandbox, logger,
	)
	adminServer := admin.NewServer(runner, cfg.Admin.APIKey, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Admin.Port,
		Handler:           adminServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Backfills list and copy entire bucket prefixes synchronously.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	logger.Info("admin server stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
