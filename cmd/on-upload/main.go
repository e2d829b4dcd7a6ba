// Package main is the entrypoint for the on-upload Lambda function.
//
// It is triggered by object-created events on the upload bucket and runs
// the post-processing pipeline on each object: unzip archives, decrypt PGP
// payloads, convert Excel workbooks to CSV, or copy everything else
// straight into the incoming bucket. Each produced object is announced on
// the processed-objects queue so chained processing can pick it up.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"

	"peerflow/internal/config"
	"peerflow/internal/ingest"
	"peerflow/internal/queue"
	"peerflow/internal/secrets"
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
	logger.Info("on-upload starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"upload_bucket", cfg.Buckets.Upload,
		"incoming_bucket", cfg.Buckets.Incoming,
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
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
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
	notifier := queue.NewProcessedNotifier(sqsClient, cfg.AWS, nil, logger)

	lambda.Start(newHandler(processor, notifier, metrics, logger))
	return nil
}

// handlerResponse summarizes one invocation: object keys produced, grouped
// by the post-processing action that produced them.
type handlerResponse struct {
	Processed map[string][]string `json:"processed"`
	Message   string              `json:"message,omitempty"`
}

func newHandler(
	processor *ingest.Processor,
	notifier *queue.ProcessedNotifier,
	metrics telemetry.Metrics,
	logger *slog.Logger,
) func(ctx context.Context, event events.S3Event) (handlerResponse, error) {
	return func(ctx context.Context, event events.S3Event) (handlerResponse, error) {
		response := handlerResponse{Processed: make(map[string][]string)}

		var peerID string
		for _, record := range event.Records {
			bucket := record.S3.Bucket.Name
			objectKey, err := decodeS3Key(record.S3.Object.Key)
			if err != nil {
				logger.ErrorContext(ctx, "skipping record with undecodable key",
					"raw_key", record.S3.Object.Key, "error", err)
				continue
			}
			peerID = ingest.PeerIDFromKey(objectKey)

			metrics.Rate(ctx, types.MetricOnUpload, 1, map[string]string{types.DimPeer: peerID})

			created := record.EventTime
			if created.IsZero() {
				created = time.Now().UTC()
			}

			result, err := processor.Process(ctx, bucket, objectKey, created)
			if err != nil {
				logger.ErrorContext(ctx, "on-upload processing failed",
					"bucket", bucket, "key", objectKey, "error", err)
				metrics.LambdaError(ctx, uuid.NewString(), "on_upload", peerID)
				response.Message = err.Error()
				return response, nil
			}

			if err := notifier.PublishResult(ctx, bucket, result); err != nil {
				logger.WarnContext(ctx, "unable to publish processed objects", "error", err)
			}

			for _, ref := range result.Items {
				response.Processed[string(result.Action)] = append(
					response.Processed[string(result.Action)], ref.Key)
			}
		}

		return response, nil
	}
}

// decodeS3Key reverses the URL encoding S3 applies to object keys in event
// notifications, including "+" for spaces.
func decodeS3Key(raw string) (string, error) {
	return url.QueryUnescape(raw)
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
