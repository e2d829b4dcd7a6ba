// Package admin executes operator-initiated backfill tasks: re-running
// categorization, re-running upload post-processing, and re-fetching API
// integrations for historical date spans.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"peerflow/internal/apifetch"
	"peerflow/internal/categorize"
	"peerflow/internal/config"
	"peerflow/internal/ingest"
	"peerflow/internal/peers"
	"peerflow/internal/secrets"
	"peerflow/internal/storage"
	"peerflow/internal/timerange"
	"peerflow/internal/types"
)

// TaskStore is the storage surface the backfill tasks require.
// *storage.Store satisfies it.
type TaskStore interface {
	List(ctx context.Context, bucket, prefix string) ([]types.ObjectRef, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body io.Reader) (types.ObjectRef, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (types.ObjectRef, error)
	DeleteObjects(ctx context.Context, bucket string, refs []types.ObjectRef) error
}

// PeerSource provides the current peers configuration.
type PeerSource interface {
	Fetch(ctx context.Context) ([]types.PeerConfig, error)
}

// SecretSource provides per-peer secret values.
type SecretSource interface {
	Fetch(ctx context.Context, secretID string) (types.SecretString, error)
}

// UploadProcessor re-runs the upload post-processing pipeline for one object.
// *ingest.Processor satisfies it.
type UploadProcessor interface {
	Process(ctx context.Context, bucket, key string, created time.Time) (ingest.Result, error)
}

// Categorizer re-runs categorization for one object.
// *categorize.Categorizer satisfies it.
type Categorizer interface {
	Categorize(ctx context.Context, bucket, objectKey string, categories []types.PeerCategory) ([]categorize.Result, error)
}

// facadeFactory builds the API facade to run for one backfill request.
// Factories are swapped out in tests.
type wiseFacadeFactory func(peerID string, apiKey types.SecretString, cfg *types.WiseConfig, calc timerange.Calculator) apifetch.Facade
type archFacadeFactory func(peerID string, accessToken types.SecretString, cfg *types.ArchConfig, calc timerange.Calculator) apifetch.Facade

// Runner executes admin tasks against the live buckets and integrations.
type Runner struct {
	store       TaskStore
	peers       PeerSource
	secrets     SecretSource
	processor   UploadProcessor
	categorizer Categorizer
	buckets     config.BucketConfig
	clock       types.Clock
	validate    *validator.Validate
	newWise     wiseFacadeFactory
	newArch     archFacadeFactory
	logger      *slog.Logger
}

// NewRunner wires a Runner over the live dependencies. The HTTP client is
// used by the API facades constructed per request.
func NewRunner(
	store TaskStore,
	peerSource PeerSource,
	secretSource SecretSource,
	processor UploadProcessor,
	categorizer Categorizer,
	client apifetch.HTTPDoer,
	buckets config.BucketConfig,
	clock types.Clock,
	useSandbox bool,
	logger *slog.Logger,
) *Runner {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:       store,
		peers:       peerSource,
		secrets:     secretSource,
		processor:   processor,
		categorizer: categorizer,
		buckets:     buckets,
		clock:       clock,
		validate:    validator.New(),
		newWise: func(peerID string, apiKey types.SecretString, cfg *types.WiseConfig, calc timerange.Calculator) apifetch.Facade {
			return apifetch.NewWiseFacade(store, client, buckets.Upload, peerID, apiKey, cfg, calc, useSandbox, logger)
		},
		newArch: func(peerID string, accessToken types.SecretString, cfg *types.ArchConfig, calc timerange.Calculator) apifetch.Facade {
			return apifetch.NewArchFacade(store, client, buckets.Upload, buckets.Files, peerID, accessToken, cfg, calc, nil, logger)
		},
		logger: logger,
	}
}

// Run validates and dispatches one task event. The requestID namespaces the
// backup location of a category backfill so repeated runs never collide.
func (r *Runner) Run(ctx context.Context, requestID string, event TaskEvent) (TaskResult, error) {
	if err := r.validate.Struct(event); err != nil {
		return TaskResult{}, types.NewAppError(types.ErrCodeValidationMissingField,
			"task event requires both a name and a task payload", err)
	}

	r.logger.InfoContext(ctx, "running admin task", "name", event.Name, "request_id", requestID)

	switch event.Name {
	case TaskBackfillCategories:
		task, err := decodeTask[BackfillCategoriesTask](r.validate, event)
		if err != nil {
			return TaskResult{}, err
		}
		return r.backfillCategories(ctx, requestID, task)

	case TaskBackfillIncoming:
		task, err := decodeTask[BackfillIncomingTask](r.validate, event)
		if err != nil {
			return TaskResult{}, err
		}
		return r.backfillIncoming(ctx, task)

	case TaskBackfillAPIWise:
		task, err := decodeTask[BackfillAPIWiseTask](r.validate, event)
		if err != nil {
			return TaskResult{}, err
		}
		return r.backfillAPIWise(ctx, task)

	case TaskBackfillAPIArch:
		task, err := decodeTask[BackfillAPIArchTask](r.validate, event)
		if err != nil {
			return TaskResult{}, err
		}
		return r.backfillAPIArch(ctx, task)

	default:
		return TaskResult{}, types.NewAppError(types.ErrCodeValidationUnknownTask,
			fmt.Sprintf("unsupported admin task: %q", event.Name), nil)
	}
}

// decodeTask unmarshals and validates the task payload of an event.
func decodeTask[T any](validate *validator.Validate, event TaskEvent) (T, error) {
	var task T
	if err := json.Unmarshal(event.Task, &task); err != nil {
		return task, types.NewAppError(types.ErrCodeValidationBadEvent,
			fmt.Sprintf("unable to deserialize %s task payload", event.Name), err)
	}
	if err := validate.Struct(task); err != nil {
		return task, types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("invalid %s task payload", event.Name), err)
	}
	return task, nil
}

// backfillCategories backs up and clears the peer's categorized objects,
// then re-categorizes every incoming object inside the timestamp window.
// When CategoryID is set, only objects filed under that category are
// deleted and only that category's rules are re-applied; backups still
// cover everything listed.
func (r *Runner) backfillCategories(ctx context.Context, requestID string, task BackfillCategoriesTask) (TaskResult, error) {
	start, err := parseTimestamp(task.StartTimestamp)
	if err != nil {
		return TaskResult{}, err
	}
	end, err := parseTimestamp(task.EndTimestamp)
	if err != nil {
		return TaskResult{}, err
	}

	peerConfig, err := r.peers.Fetch(ctx)
	if err != nil {
		return TaskResult{}, err
	}

	categories := peers.FlattenCategories(peerConfig)
	var configured []types.PeerCategory
	for _, category := range categories {
		if category.PeerID != task.PeerID {
			continue
		}
		if task.CategoryID != "" && category.CategoryID != task.CategoryID {
			continue
		}
		configured = append(configured, category)
	}
	if len(configured) == 0 {
		r.logger.WarnContext(ctx, "no categories configured, nothing to backfill",
			"peer", task.PeerID, "category", task.CategoryID)
		return TaskResult{Categorized: []categorize.Result{}}, nil
	}

	previouslyCategorized, err := r.store.List(ctx, r.buckets.Categorized, task.PeerID)
	if err != nil {
		return TaskResult{}, err
	}

	for chunkStart := 0; chunkStart < len(previouslyCategorized); chunkStart += storage.DeleteChunkSize {
		chunkEnd := chunkStart + storage.DeleteChunkSize
		if chunkEnd > len(previouslyCategorized) {
			chunkEnd = len(previouslyCategorized)
		}
		chunk := previouslyCategorized[chunkStart:chunkEnd]

		for _, candidate := range chunk {
			backupKey := path.Join(requestID, candidate.Key)
			if _, err := r.store.Copy(ctx, r.buckets.Categorized, candidate.Key, r.buckets.BackfillTemp, backupKey); err != nil {
				return TaskResult{}, err
			}
		}

		deletions := chunk
		if task.CategoryID != "" {
			categoryPrefix := path.Join(task.PeerID, task.CategoryID) + "/"
			deletions = nil
			for _, candidate := range chunk {
				if strings.HasPrefix(candidate.Key, categoryPrefix) {
					deletions = append(deletions, candidate)
				}
			}
		}
		if err := r.store.DeleteObjects(ctx, r.buckets.Categorized, deletions); err != nil {
			return TaskResult{}, err
		}
	}

	incoming, err := r.store.List(ctx, r.buckets.Incoming, task.PeerID)
	if err != nil {
		return TaskResult{}, err
	}

	categorized := []categorize.Result{}
	for _, item := range incoming {
		if !withinWindow(item.LastModified, start, end) {
			continue
		}
		results, err := r.categorizer.Categorize(ctx, r.buckets.Incoming, item.Key, configured)
		if err != nil {
			return TaskResult{}, err
		}
		categorized = append(categorized, results...)
	}

	return TaskResult{Categorized: categorized}, nil
}

// backfillIncoming re-runs upload post-processing on every matching object.
// Listings always carry modification dates; an object without one cannot be
// windowed and aborts the run.
func (r *Runner) backfillIncoming(ctx context.Context, task BackfillIncomingTask) (TaskResult, error) {
	start, err := parseTimestamp(task.StartTimestamp)
	if err != nil {
		return TaskResult{}, err
	}
	end, err := parseTimestamp(task.EndTimestamp)
	if err != nil {
		return TaskResult{}, err
	}

	uploaded, err := r.store.List(ctx, r.buckets.Upload, task.PeerID)
	if err != nil {
		return TaskResult{}, err
	}

	processed := make(map[string][]string)
	for _, item := range uploaded {
		if !hasExtension(item.Key, task.Extension) {
			continue
		}
		if item.LastModified == nil {
			return TaskResult{}, types.NewAppError(types.ErrCodeValidationMissingField,
				fmt.Sprintf("unable to backfill %q without a last modification date", item.Key), nil)
		}
		if !withinWindow(item.LastModified, start, end) {
			continue
		}

		result, err := r.processor.Process(ctx, r.buckets.Upload, item.Key, *item.LastModified)
		if err != nil {
			return TaskResult{}, err
		}
		for _, ref := range result.Items {
			processed[string(result.Action)] = append(processed[string(result.Action)], ref.Key)
		}
	}

	return TaskResult{Processed: processed}, nil
}

// backfillAPIWise re-fetches Wise balance statements for the requested days.
func (r *Runner) backfillAPIWise(ctx context.Context, task BackfillAPIWiseTask) (TaskResult, error) {
	r.logger.InfoContext(ctx, "backfilling wise", "peer", task.PeerID)

	peer, err := r.findPeer(ctx, task.PeerID)
	if err != nil {
		return TaskResult{}, err
	}
	wiseConfig := peer.Config.Wise
	if wiseConfig == nil {
		return TaskResult{}, types.NewAppError(types.ErrCodeConfigIntegrationMissing,
			fmt.Sprintf("peer %q is not configured as an api peer for wise", task.PeerID), nil)
	}

	if task.SubAccounts != nil {
		for _, requested := range task.SubAccounts {
			if !contains(wiseConfig.SubAccounts, requested) {
				return TaskResult{}, types.NewAppError(types.ErrCodeValidationBadSubAccount,
					fmt.Sprintf("unable to backfill sub_account %q that is not configured", requested), nil)
			}
		}
		narrowed := *wiseConfig
		narrowed.SubAccounts = task.SubAccounts
		wiseConfig = &narrowed
	}

	calc, err := timerange.NewBackfillCalculator(r.clock, task.StartDate.Time, task.EndDate.Time, false)
	if err != nil {
		return TaskResult{}, err
	}

	secret, err := r.secrets.Fetch(ctx, secrets.PeerSecretID(task.PeerID, "api"))
	if err != nil {
		return TaskResult{}, err
	}
	creds, err := secrets.ParseAPICredentials(secret)
	if err != nil {
		return TaskResult{}, err
	}

	refs, err := r.newWise(task.PeerID, creds.APIKey, wiseConfig, calc).Execute(ctx)
	if err != nil {
		return TaskResult{}, err
	}
	return TaskResult{Fetched: keysOf(refs)}, nil
}

// backfillAPIArch re-fetches Arch entities for the requested days, bounded
// to MaxArchBackfillDays per run.
func (r *Runner) backfillAPIArch(ctx context.Context, task BackfillAPIArchTask) (TaskResult, error) {
	r.logger.InfoContext(ctx, "backfilling arch", "peer", task.PeerID)

	if task.StartDate.After(task.EndDate.Time) {
		return TaskResult{}, types.NewAppError(types.ErrCodeValidationBadDateRange,
			"start_date cannot be after end_date", nil)
	}
	if days := int(task.EndDate.Sub(task.StartDate.Time).Hours() / 24); days > MaxArchBackfillDays {
		return TaskResult{}, types.NewAppError(types.ErrCodeValidationRangeTooWide,
			fmt.Sprintf("expecting a date range between 0 and %d days between start_date and end_date", MaxArchBackfillDays), nil)
	}

	peer, err := r.findPeer(ctx, task.PeerID)
	if err != nil {
		return TaskResult{}, err
	}
	archConfig := peer.Config.Arch
	if archConfig == nil {
		return TaskResult{}, types.NewAppError(types.ErrCodeConfigIntegrationMissing,
			fmt.Sprintf("peer %q is not configured as an api peer for arch", task.PeerID), nil)
	}

	var entities []types.EntityDescriptor
	for _, entity := range archConfig.Entities {
		if !entity.Enabled {
			continue
		}
		if task.Entities != nil && !contains(task.Entities, entity.Resource) {
			continue
		}
		entities = append(entities, entity)
	}
	if len(entities) == 0 {
		r.logger.WarnContext(ctx, "found no entities to backfill", "requested", task.Entities)
		return TaskResult{Fetched: []string{}}, nil
	}

	calc, err := timerange.NewBackfillCalculator(r.clock, task.StartDate.Time, task.EndDate.Time, true)
	if err != nil {
		return TaskResult{}, err
	}

	secret, err := r.secrets.Fetch(ctx, secrets.ArchAccessTokenSecretID(task.PeerID))
	if err != nil {
		return TaskResult{}, err
	}
	token, err := secrets.ParseRotatingToken(secret)
	if err != nil {
		return TaskResult{}, err
	}

	narrowed := &types.ArchConfig{Entities: entities}
	refs, err := r.newArch(task.PeerID, token.AccessToken, narrowed, calc).Execute(ctx)
	if err != nil {
		return TaskResult{}, err
	}
	return TaskResult{Fetched: keysOf(refs)}, nil
}

func (r *Runner) findPeer(ctx context.Context, peerID string) (*types.PeerConfig, error) {
	peerConfig, err := r.peers.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return peers.FindPeer(peerConfig, peerID)
}

func keysOf(refs []types.ObjectRef) []string {
	keys := make([]string, 0, len(refs))
	for _, ref := range refs {
		keys = append(keys, ref.Key)
	}
	return keys
}

func contains(haystack []string, needle string) bool {
	return slices.Contains(haystack, needle)
}
