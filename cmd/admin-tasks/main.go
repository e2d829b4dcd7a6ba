// Package main is the entrypoint for the admin-tasks Lambda function.
//
// It executes operator-initiated backfill tasks: re-categorizing processed
// objects, replaying the post-processing pipeline for a window of uploads,
// and re-fetching historical data from the Wise and Arch APIs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"

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
	logger.Info("admin-tasks starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
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
		"peerflow-admin-tasks/"+cfg.Build.Version,
	)
	peerService := peers.NewService(peersClient, cfg.Peers.ConfigURL, cfg.Peers.FetchTimeout, logger)

	runner := admin.NewRunner(
		store, peerService, fetcher, processor, categorizer,
		&http.Client{Timeout: 60 * time.Second},
		cfg.Buckets, nil, cfg.Wise.UseSandbox, logger,
	)

	lambda.Start(newHandler(runner, logger))
	return nil
}

func newHandler(runner *admin.Runner, logger *slog.Logger) func(ctx context.Context, event admin.TaskEvent) (admin.TaskResult, error) {
	return func(ctx context.Context, event admin.TaskEvent) (admin.TaskResult, error) {
		requestID := uuid.NewString()
		if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
			requestID = lc.AwsRequestID
		}

		result, err := runner.Run(ctx, requestID, event)
		if err != nil {
			logger.ErrorContext(ctx, "admin task failed",
				"name", event.Name, "request_id", requestID, "error", err)
			return admin.TaskResult{}, err
		}
		return result, nil
	}
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
