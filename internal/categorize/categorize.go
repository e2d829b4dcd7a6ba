package categorize

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"peerflow/internal/types"
)

// ObjectStore is the narrow storage interface the categorizer requires.
// *storage.Store satisfies it.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body io.Reader) (types.ObjectRef, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (types.ObjectRef, error)
}

// Result summarizes one successful categorization of an object. A single
// object can be categorized into several categories, yielding one Result
// per match.
type Result struct {
	FileName               string   `json:"file_name"`
	CategoryID             string   `json:"category_id"`
	Peer                   string   `json:"peer"`
	TransformationsApplied []string `json:"transformations_applied"`
}

// Categorizer matches incoming objects against per-peer category patterns
// and files each match into the categorized bucket.
type Categorizer struct {
	store             ObjectStore
	categorizedBucket string
	logger            *slog.Logger
}

// NewCategorizer creates a Categorizer writing into the given bucket.
func NewCategorizer(store ObjectStore, categorizedBucket string, logger *slog.Logger) *Categorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Categorizer{
		store:             store,
		categorizedBucket: categorizedBucket,
		logger:            logger,
	}
}

// Categorize tests the object's basename against every filename pattern of
// every configured category, never short-circuiting: each matching pattern
// files one copy under <peer>/<category_id>/<rest-of-path-after-peer>.
// Categories with configured transformations store transformed text instead
// of a direct copy; the source content is fetched at most once regardless of
// how many matches transform it. Returns an empty slice when nothing
// matches.
func (c *Categorizer) Categorize(
	ctx context.Context,
	bucket, objectKey string,
	categories []types.PeerCategory,
) ([]Result, error) {
	pathElements := strings.Split(objectKey, "/")
	peerID := pathElements[0]
	remainingPath := strings.Join(pathElements[1:], "/")
	fileName := path.Base(objectKey)

	c.logger.InfoContext(ctx, "attempting categorization",
		"file_name", fileName, "categories", len(categories))

	// Source content is loaded lazily and shared across transforming matches.
	var cachedContent *string
	fetchContent := func() (string, error) {
		if cachedContent != nil {
			return *cachedContent, nil
		}
		body, err := c.store.Get(ctx, bucket, objectKey)
		if err != nil {
			return "", err
		}
		defer body.Close()
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", types.NewAppError(
				types.ErrCodeUpstreamStorage,
				fmt.Sprintf("unable to read object %s/%s", bucket, objectKey),
				err,
			)
		}
		content := string(raw)
		cachedContent = &content
		return content, nil
	}

	results := []Result{}

	for _, category := range categories {
		c.logger.InfoContext(ctx, "matching category patterns",
			"category_id", category.CategoryID, "patterns", len(category.FilenamePatterns))

		for _, pattern := range category.FilenamePatterns {
			matched, err := matchAtStart(pattern, fileName)
			if err != nil {
				return nil, types.NewAppError(
					types.ErrCodeInternalUnexpected,
					fmt.Sprintf("invalid filename pattern %q in category %s", pattern, category.CategoryID),
					err,
				)
			}
			if !matched {
				continue
			}

			destinationKey := path.Join(peerID, category.CategoryID, remainingPath)
			transformationsApplied := []string{}

			if len(category.Transformations) > 0 {
				c.logger.InfoContext(ctx, "applying transformations",
					"file_name", fileName, "count", len(category.Transformations))

				content, err := fetchContent()
				if err != nil {
					return nil, err
				}

				for _, name := range category.Transformations {
					transformer, err := NewTransformer(name)
					if err != nil {
						return nil, err
					}
					content = transformer.Transform(content)
				}

				if _, err := c.store.Put(ctx, c.categorizedBucket, destinationKey, strings.NewReader(content)); err != nil {
					return nil, err
				}
				transformationsApplied = category.Transformations
			} else {
				if _, err := c.store.Copy(ctx, bucket, objectKey, c.categorizedBucket, destinationKey); err != nil {
					return nil, err
				}
			}

			results = append(results, Result{
				FileName:               fileName,
				CategoryID:             category.CategoryID,
				Peer:                   peerID,
				TransformationsApplied: transformationsApplied,
			})
		}
	}

	return results, nil
}

// matchAtStart tests whether the pattern matches at the beginning of the
// name. The pattern is wrapped in a non-capturing group before anchoring so
// top-level alternations stay anchored as a whole.
func matchAtStart(pattern, name string) (bool, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return false, err
	}
	return re.MatchString(name), nil
}
