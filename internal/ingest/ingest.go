// Package ingest implements post-processing of files delivered into the
// upload bucket. An object's file extension selects exactly one action:
// archives are expanded, encrypted files are decrypted, spreadsheets are
// converted to CSV, and everything else is filed into the incoming bucket.
// Derived objects land back in the upload bucket (except plain copies),
// re-triggering processing until every object bottoms out as a copy.
package ingest

import (
	"context"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"peerflow/internal/telemetry"
	"peerflow/internal/types"
)

// Action identifies which post-processing branch handled an object.
type Action string

const (
	ActionUnzipped  Action = "unzipped"
	ActionDecrypted Action = "decrypted"
	ActionConverted Action = "converted"
	ActionCopied    Action = "copied"
)

// Result is the outcome of post-processing one object: the action taken and
// the refs of every object it produced.
type Result struct {
	Action Action
	Items  []types.ObjectRef
}

// ObjectStore is the narrow storage interface the processor requires.
// *storage.Store satisfies it.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body io.Reader) (types.ObjectRef, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (types.ObjectRef, error)
}

// SecretSource fetches secret values by id. *secrets.Fetcher satisfies it.
type SecretSource interface {
	Fetch(ctx context.Context, secretID string) (types.SecretString, error)
}

// Processor dispatches uploaded objects to the post-processing action
// selected by their file extension.
type Processor struct {
	store          ObjectStore
	secrets        SecretSource
	incomingBucket string
	metrics        telemetry.Metrics
	logger         *slog.Logger
}

// NewProcessor creates a Processor. A nil metrics sink disables metric
// emission; a nil logger falls back to slog.Default().
func NewProcessor(
	store ObjectStore,
	secrets SecretSource,
	incomingBucket string,
	metrics telemetry.Metrics,
	logger *slog.Logger,
) *Processor {
	if metrics == nil {
		metrics = telemetry.Silent{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:          store,
		secrets:        secrets,
		incomingBucket: incomingBucket,
		metrics:        metrics,
		logger:         logger,
	}
}

// Process post-processes one uploaded object. The created timestamp is the
// object's creation time as reported by the trigger event; it determines the
// year folder when the object is filed into the incoming bucket.
func (p *Processor) Process(ctx context.Context, bucket, key string, created time.Time) (Result, error) {
	extension := strings.ToLower(path.Ext(key))
	peerID := PeerIDFromKey(key)

	p.metrics.Rate(ctx, types.MetricOnUploadAction, 1, map[string]string{
		types.DimPeer:      peerID,
		types.DimExtension: extension,
	})

	switch extension {
	case ".zip":
		p.logger.InfoContext(ctx, "unzipping object", "key", key)
		items, err := p.unzip(ctx, bucket, key)
		if err != nil {
			return Result{}, err
		}
		p.metrics.Gauge(ctx, types.MetricOnUploadUnzipped, float64(len(items)), map[string]string{
			types.DimPeer: peerID,
		})
		return Result{Action: ActionUnzipped, Items: items}, nil

	case ".gpg", ".pgp":
		p.logger.InfoContext(ctx, "decrypting object", "key", key)
		item, err := p.decrypt(ctx, bucket, key)
		if err != nil {
			return Result{}, err
		}
		return Result{Action: ActionDecrypted, Items: []types.ObjectRef{item}}, nil

	case ".xls", ".xlsx":
		p.logger.InfoContext(ctx, "converting spreadsheet to csv", "key", key)
		items, err := p.convertExcel(ctx, bucket, key, extension)
		if err != nil {
			return Result{}, err
		}
		return Result{Action: ActionConverted, Items: items}, nil

	default:
		p.logger.InfoContext(ctx, "filing object into incoming bucket",
			"key", key, "incoming_bucket", p.incomingBucket)
		item, err := p.copyIntoIncoming(ctx, bucket, key, created)
		if err != nil {
			return Result{}, err
		}
		return Result{Action: ActionCopied, Items: []types.ObjectRef{item}}, nil
	}
}

// copyIntoIncoming files an object into the incoming bucket under
// <peer>/<year>/<basename>.
func (p *Processor) copyIntoIncoming(ctx context.Context, bucket, key string, created time.Time) (types.ObjectRef, error) {
	peerID := PeerIDFromKey(key)
	fileName := path.Base(key)
	year := created.UTC().Format("2006")

	destinationKey := path.Join(peerID, year, fileName)
	return p.store.Copy(ctx, bucket, key, p.incomingBucket, destinationKey)
}

// PeerIDFromKey extracts the peer id, which is always the first path segment
// of an object key.
func PeerIDFromKey(key string) string {
	if idx := strings.IndexByte(key, '/'); idx >= 0 {
		return key[:idx]
	}
	return key
}
