// Package main is the entrypoint for the on-incoming Lambda function.
//
// It is triggered by object-created events on the incoming bucket and
// categorizes each object against the peer's configured filename patterns,
// filing every match into the categorized bucket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"peerflow/internal/categorize"
	"peerflow/internal/config"
	"peerflow/internal/external"
	"peerflow/internal/ingest"
	"peerflow/internal/peers"
	"peerflow/internal/storage"
	"peerflow/internal/telemetry"
	"peerflow/internal/types"
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
	logger.Info("on-incoming starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"incoming_bucket", cfg.Buckets.Incoming,
		"categorized_bucket", cfg.Buckets.Categorized,
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

	var metrics telemetry.Metrics = telemetry.Silent{}
	if cfg.AWS.MetricsEnabled {
		metrics = telemetry.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), logger)
	}

	store := storage.NewStore(s3Client, logger)
	categorizer := categorize.NewCategorizer(store, cfg.Buckets.Categorized, logger)
	peersClient := external.NewBaseClient(
		&http.Client{Timeout: cfg.Peers.FetchTimeout},
		"peers-config",
		external.DefaultRetryPolicy(),
		"peerflow-on-incoming/"+cfg.Build.Version,
	)
	peerService := peers.NewService(peersClient, cfg.Peers.ConfigURL, cfg.Peers.FetchTimeout, logger)

	lambda.Start(newHandler(categorizer, peerService, metrics, logger))
	return nil
}

// handlerResponse summarizes one invocation: categorization results grouped
// by object key.
type handlerResponse struct {
	Categorized map[string][]categorize.Result `json:"categorized"`
	Message     string                         `json:"message,omitempty"`
}

func newHandler(
	categorizer *categorize.Categorizer,
	peerSource *peers.Service,
	metrics telemetry.Metrics,
	logger *slog.Logger,
) func(ctx context.Context, event events.S3Event) (handlerResponse, error) {
	return func(ctx context.Context, event events.S3Event) (handlerResponse, error) {
		response := handlerResponse{Categorized: make(map[string][]categorize.Result)}

		var peerID string
		for _, record := range event.Records {
			bucket := record.S3.Bucket.Name
			objectKey, err := url.QueryUnescape(record.S3.Object.Key)
			if err != nil {
				logger.ErrorContext(ctx, "skipping record with undecodable key",
					"raw_key", record.S3.Object.Key, "error", err)
				continue
			}
			peerID = ingest.PeerIDFromKey(objectKey)

			metrics.Rate(ctx, types.MetricOnIncoming, 1, map[string]string{types.DimPeer: peerID})

			configured, err := peerSource.Fetch(ctx)
			if err != nil {
				return failure(ctx, response, metrics, logger, peerID, objectKey, err)
			}
			peer, err := peers.FindPeer(configured, peerID)
			if err != nil {
				return failure(ctx, response, metrics, logger, peerID, objectKey, err)
			}

			results, err := categorizer.Categorize(ctx, bucket, objectKey, peers.CategoriesFor(peer))
			if err != nil {
				return failure(ctx, response, metrics, logger, peerID, objectKey, err)
			}
			response.Categorized[objectKey] = results
		}

		return response, nil
	}
}

func failure(
	ctx context.Context,
	response handlerResponse,
	metrics telemetry.Metrics,
	logger *slog.Logger,
	peerID, objectKey string,
	err error,
) (handlerResponse, error) {
	logger.ErrorContext(ctx, "on-incoming processing failed",
		"key", objectKey, "error", err)
	metrics.LambdaError(ctx, uuid.NewString(), "on_incoming", peerID)
	response.Message = err.Error()
	return response, nil
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
