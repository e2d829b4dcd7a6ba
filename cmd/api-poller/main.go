// Package main is the entrypoint for the api-poller Lambda function.
//
// Invoked on a schedule with a single peer id, it pulls yesterday's data
// from that peer's upstream API (Wise balance statements or Arch entity
// updates) and stores the responses in the upload bucket, where the
// on-upload pipeline takes over.
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
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"

	"peerflow/internal/apifetch"
	"peerflow/internal/config"
	"peerflow/internal/external"
	"peerflow/internal/peers"
	"peerflow/internal/secrets"
	"peerflow/internal/storage"
	"peerflow/internal/telemetry"
	"peerflow/internal/timerange"
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
	logger.Info("api-poller starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"upload_bucket", cfg.Buckets.Upload,
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
	peersClient := external.NewBaseClient(
		&http.Client{Timeout: cfg.Peers.FetchTimeout},
		"peers-config",
		external.DefaultRetryPolicy(),
		"peerflow-api-poller/"+cfg.Build.Version,
	)
	peerService := peers.NewService(peersClient, cfg.Peers.ConfigURL, cfg.Peers.FetchTimeout, logger)
	apiClient := &http.Client{Timeout: 60 * time.Second}

	poller := &poller{
		store:      store,
		secrets:    fetcher,
		peers:      peerService,
		client:     apiClient,
		buckets:    cfg.Buckets,
		useSandbox: cfg.Wise.UseSandbox,
		clock:      types.RealClock{},
		metrics:    metrics,
		logger:     logger,
	}

	lambda.Start(poller.handle)
	return nil
}

// pollEvent is the scheduled invocation payload: the id of the peer to poll.
type pollEvent struct {
	ID string `json:"id"`
}

type pollResponse struct {
	Fetched []string `json:"fetched"`
	Message string   `json:"message,omitempty"`
}

type poller struct {
	store      *storage.Store
	secrets    *secrets.Fetcher
	peers      *peers.Service
	client     apifetch.HTTPDoer
	buckets    config.BucketConfig
	useSandbox bool
	clock      types.Clock
	metrics    telemetry.Metrics
	logger     *slog.Logger
}

func (p *poller) handle(ctx context.Context, event pollEvent) (pollResponse, error) {
	if event.ID == "" {
		return pollResponse{}, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"poll event is missing the peer id",
			nil,
		)
	}

	p.metrics.Rate(ctx, types.MetricAPIPoll, 1, map[string]string{types.DimPeer: event.ID})

	refs, err := p.poll(ctx, event.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "api poll failed", "peer", event.ID, "error", err)
		p.metrics.LambdaError(ctx, uuid.NewString(), "api", event.ID)
		return pollResponse{Message: err.Error()}, err
	}

	response := pollResponse{Fetched: make([]string, 0, len(refs))}
	for _, ref := range refs {
		response.Fetched = append(response.Fetched, ref.Key)
	}
	return response, nil
}

func (p *poller) poll(ctx context.Context, peerID string) ([]types.ObjectRef, error) {
	configured, err := p.peers.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	peer, err := peers.FindPeer(configured, peerID)
	if err != nil {
		return nil, err
	}

	facade, err := p.facadeFor(ctx, peer)
	if err != nil {
		return nil, err
	}
	return facade.Execute(ctx)
}

// facadeFor selects the upstream integration from the peer's configuration.
// Wise polls the previous day inclusive of its last millisecond; Arch polls
// it with an exclusive upper bound, matching the upstream query semantics.
func (p *poller) facadeFor(ctx context.Context, peer *types.PeerConfig) (apifetch.Facade, error) {
	switch {
	case peer.Config.Wise != nil:
		raw, err := p.secrets.Fetch(ctx, secrets.PeerSecretID(peer.ID, "api"))
		if err != nil {
			return nil, err
		}
		creds, err := secrets.ParseAPICredentials(raw)
		if err != nil {
			return nil, err
		}
		calc := timerange.NewPreviousDayCalculator(p.clock, false)
		return apifetch.NewWiseFacade(
			p.store, p.client, p.buckets.Upload,
			peer.ID, creds.APIKey, peer.Config.Wise,
			calc, p.useSandbox, p.logger,
		), nil

	case peer.Config.Arch != nil:
		raw, err := p.secrets.Fetch(ctx, secrets.ArchAccessTokenSecretID(peer.ID))
		if err != nil {
			return nil, err
		}
		token, err := secrets.ParseRotatingToken(raw)
		if err != nil {
			return nil, err
		}
		calc := timerange.NewPreviousDayCalculator(p.clock, true)
		return apifetch.NewArchFacade(
			p.store, p.client, p.buckets.Upload, p.buckets.Files,
			peer.ID, token.AccessToken, peer.Config.Arch,
			calc, nil, p.logger,
		), nil

	default:
		return nil, types.NewAppError(
			types.ErrCodeConfigIntegrationMissing,
			fmt.Sprintf("peer %q has no pollable api configuration", peer.ID),
			nil,
		)
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
