package apifetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"peerflow/internal/timerange"
	"peerflow/internal/types"
)

// ArchBaseURLProd is the production Arch client API root. Pagination `next`
// links may be relative and are resolved against it.
const ArchBaseURLProd = "https://arch.co/client-api/v0"

// DefaultEntityLimit is the page size used when an entity does not configure
// its own limit (Terraform may serialize limit as null).
const DefaultEntityLimit = 25

// maxRateLimitRetries bounds how many consecutive 429 responses a single
// resource fetch tolerates before giving up.
const maxRateLimitRetries = 3

// maxRateLimitWaitSeconds is the longest wait the default handler honors.
// Anything longer would outlive the Lambda execution limit.
const maxRateLimitWaitSeconds = 15 * 60

var (
	// pointInTimeEntities support date-range retrieval; everything else is
	// fetched as a full snapshot.
	pointInTimeEntities = []string{"activities", "cash-flows", "tasks"}

	// entitiesSupportingFiles have per-entity file attachments to download.
	entitiesSupportingFiles = []string{"disabled_for_now"}

	// entitiesSupportingSubQueries must be fetched once per sub-query prefix
	// because the API filters them on three distinct date fields.
	entitiesSupportingSubQueries = []string{"cash-flows", "tasks"}

	subQueryPrefixes = []string{"due", "completed", "created"}
)

// RateLimitHandler decides what to do when Arch answers 429 with a
// ratelimit-reset header. It receives the advertised wait in seconds and
// returns an error to abort instead of retrying.
type RateLimitHandler func(waitSeconds int) error

// DefaultRateLimitHandler sleeps for the advertised wait, refusing waits
// that exceed the Lambda execution ceiling.
func DefaultRateLimitHandler(logger *slog.Logger, sleepFn func(time.Duration)) RateLimitHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if sleepFn == nil {
		sleepFn = time.Sleep
	}
	return func(waitSeconds int) error {
		if waitSeconds >= maxRateLimitWaitSeconds {
			return types.NewAppError(
				types.ErrCodeRateLimitWaitTooLong,
				fmt.Sprintf("arch requested a wait of %d seconds, which exceeds the execution time limit", waitSeconds),
				nil,
			)
		}
		logger.Warn("handling rate limit", "wait_seconds", waitSeconds)
		sleepFn(time.Duration(waitSeconds) * time.Second)
		return nil
	}
}

// ArchFacade polls the configured Arch entities. Point-in-time entities are
// fetched once per calculated range; snapshot entities are fetched whole.
// Every non-empty page is stored in the upload bucket.
type ArchFacade struct {
	store            ObjectStore
	client           HTTPDoer
	uploadBucket     string
	filesBucket      string
	peerID           string
	accessToken      types.SecretString
	config           *types.ArchConfig
	rangeCalc        timerange.Calculator
	rateLimitHandler RateLimitHandler
	baseURL          string
	logger           *slog.Logger
}

// NewArchFacade creates an ArchFacade for one peer. A nil rateLimitHandler
// falls back to the sleeping default.
func NewArchFacade(
	store ObjectStore,
	client HTTPDoer,
	uploadBucket string,
	filesBucket string,
	peerID string,
	accessToken types.SecretString,
	config *types.ArchConfig,
	rangeCalc timerange.Calculator,
	rateLimitHandler RateLimitHandler,
	logger *slog.Logger,
) *ArchFacade {
	if logger == nil {
		logger = slog.Default()
	}
	if rateLimitHandler == nil {
		rateLimitHandler = DefaultRateLimitHandler(logger, nil)
	}
	return &ArchFacade{
		store:            store,
		client:           client,
		uploadBucket:     uploadBucket,
		filesBucket:      filesBucket,
		peerID:           peerID,
		accessToken:      accessToken,
		config:           config,
		rangeCalc:        rangeCalc,
		rateLimitHandler: rateLimitHandler,
		baseURL:          ArchBaseURLProd,
		logger:           logger,
	}
}

// Execute fetches updates for every enabled configured entity.
func (f *ArchFacade) Execute(ctx context.Context) ([]types.ObjectRef, error) {
	if f.config == nil {
		return nil, types.NewAppError(
			types.ErrCodeConfigIntegrationMissing,
			fmt.Sprintf("peer %q has no arch configuration", f.peerID),
			nil,
		)
	}

	var entities []types.EntityDescriptor
	for _, entity := range f.config.Entities {
		if entity.Enabled {
			entities = append(entities, entity)
		}
	}
	if len(entities) == 0 {
		f.logger.WarnContext(ctx, "peer has no enabled arch entities configured", "peer", f.peerID)
		return nil, nil
	}

	ranges := f.rangeCalc.Calculate()

	described := make([]string, 0, len(ranges))
	for _, r := range ranges {
		described = append(described, fmt.Sprintf("%s - %s", r.StartTimeISO, r.EndTimeISO))
	}
	f.logger.InfoContext(ctx, "looking at resources", "ranges", strings.Join(described, ","))

	var uploaded []types.ObjectRef

	for _, entity := range entities {
		f.logger.InfoContext(ctx, "fetching entity",
			"name", entity.Name, "resource", entity.Resource)

		limit := entity.Limit
		if limit <= 0 {
			limit = DefaultEntityLimit
		}

		var refs []types.ObjectRef
		var err error
		if isPointInTimeEntity(entity.Resource) {
			refs, err = f.processPointInTimeEntity(ctx, entity.Resource, limit, ranges)
		} else {
			refs, err = f.processSnapshotEntity(ctx, entity.Resource, limit)
		}
		if err != nil {
			return nil, err
		}
		uploaded = append(uploaded, refs...)
	}

	return uploaded, nil
}

// processSnapshotEntity pages through a resource that has no date-range
// parameters, storing each non-empty page under a date-stamped key.
func (f *ArchFacade) processSnapshotEntity(ctx context.Context, resourceName string, limit int) ([]types.ObjectRef, error) {
	var files []types.ObjectRef

	url := f.resourceURL(resourceName, limit, nil)
	page := 0
	for url != "" {
		page++
		url = f.absolutize(url)

		response, err := f.fetchJSON(ctx, url)
		if err != nil {
			return nil, err
		}

		url = response.Next
		if len(response.Contents) == 0 {
			f.logger.InfoContext(ctx, "no contents found, not writing output",
				"resource", resourceName, "page", page)
			continue
		}

		objectKey := ArchSnapshotObjectKey(f.peerID, resourceName, f.rangeCalc.Now(), page)
		ref, err := f.store.Put(ctx, f.uploadBucket, objectKey, bytes.NewReader(response.Raw))
		if err != nil {
			return nil, err
		}
		files = append(files, ref)
	}

	return files, nil
}

// processPointInTimeEntity pages through a date-range aware resource once
// per range. Sub-query entities fan out across the due, completed, and
// created prefixes before fetching.
func (f *ArchFacade) processPointInTimeEntity(
	ctx context.Context,
	resourceName string,
	limit int,
	ranges []timerange.Range,
) ([]types.ObjectRef, error) {
	var files []types.ObjectRef

	if isSubQueryEntity(resourceName) {
		f.logger.InfoContext(ctx, "entity requires sub queries", "resource", resourceName)
		for _, prefix := range subQueryPrefixes {
			refs, err := f.processPointInTimeEntity(ctx, prefix+"_"+resourceName, limit, ranges)
			if err != nil {
				return nil, err
			}
			files = append(files, refs...)
		}
		return files, nil
	}

	for _, r := range ranges {
		page := 0
		url := f.resourceURL(resourceName, limit, &r)
		for url != "" {
			page++
			url = f.absolutize(url)

			response, err := f.fetchJSON(ctx, url)
			if err != nil {
				return nil, err
			}

			url = response.Next
			if len(response.Contents) == 0 {
				f.logger.InfoContext(ctx, "no contents found in range, not writing output",
					"resource", resourceName, "page", page)
				continue
			}

			if supportsFiles(resourceName) {
				refs, err := f.processEntityFiles(ctx, response.Contents, resourceName, r.FileBaseName(), page)
				if err != nil {
					return nil, err
				}
				files = append(files, refs...)
			}

			objectKey := ArchRangeObjectKey(f.peerID, resourceName, r, page)
			ref, err := f.store.Put(ctx, f.uploadBucket, objectKey, bytes.NewReader(response.Raw))
			if err != nil {
				return nil, err
			}
			files = append(files, ref)
		}
	}

	return files, nil
}

// processEntityFiles downloads the file attachments of each entity on a
// page: a metadata listing per entity plus each referenced file.
func (f *ArchFacade) processEntityFiles(
	ctx context.Context,
	contents []json.RawMessage,
	resourceName, baseName string,
	page int,
) ([]types.ObjectRef, error) {
	var files []types.ObjectRef

	for _, raw := range contents {
		var entity struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &entity); err != nil || entity.ID == "" {
			return nil, types.NewAppError(
				types.ErrCodeUpstreamBadPayload,
				fmt.Sprintf("unable to download files for %s without an id", resourceName),
				err,
			)
		}

		filesResponse, err := f.fetchJSON(ctx, FilesURL(f.baseURL, resourceName, entity.ID))
		if err != nil {
			return nil, err
		}
		if len(filesResponse.Contents) == 0 {
			continue
		}

		f.logger.InfoContext(ctx, "found files for entity",
			"count", len(filesResponse.Contents), "entity_id", entity.ID, "resource", resourceName)

		metadataKey := ArchFileMetadataKey(f.peerID, resourceName, baseName, entity.ID, page)
		ref, err := f.store.Put(ctx, f.uploadBucket, metadataKey, bytes.NewReader(filesResponse.Raw))
		if err != nil {
			return nil, err
		}
		files = append(files, ref)

		for i, rawFile := range filesResponse.Contents {
			var fileMetadata struct {
				DownloadURL string `json:"downloadUrl"`
				Name        string `json:"name"`
			}
			if err := json.Unmarshal(rawFile, &fileMetadata); err != nil {
				return nil, types.NewAppError(types.ErrCodeUpstreamBadPayload,
					"unable to parse file metadata", err)
			}
			if fileMetadata.DownloadURL == "" {
				return nil, types.NewAppError(types.ErrCodeUpstreamBadPayload,
					"found a file that did not have a downloadUrl", nil)
			}

			content, err := f.fetchBinary(ctx, f.absolutize(fileMetadata.DownloadURL))
			if err != nil {
				return nil, err
			}

			fileName := fileMetadata.Name
			if fileName == "" {
				fileName = fmt.Sprintf("file%d", i)
			}
			fileKey := ArchFileObjectKey(f.peerID, resourceName, baseName, page, fileName)
			fileRef, err := f.store.Put(ctx, f.filesBucket, fileKey, bytes.NewReader(content))
			if err != nil {
				return nil, err
			}
			files = append(files, fileRef)
		}
	}

	return files, nil
}

// archPage is one page of an Arch listing response: the parsed pagination
// link and contents plus the raw body, which is stored verbatim.
type archPage struct {
	Next     string
	Contents []json.RawMessage
	Raw      []byte
}

func (f *ArchFacade) fetchJSON(ctx context.Context, url string) (*archPage, error) {
	body, err := f.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Next     string            `json:"next"`
		Contents []json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadPayload,
			"unable to parse response for arch", err)
	}

	return &archPage{Next: parsed.Next, Contents: parsed.Contents, Raw: body}, nil
}

func (f *ArchFacade) fetchBinary(ctx context.Context, url string) ([]byte, error) {
	return f.fetch(ctx, url)
}

// fetch performs one authenticated GET. A 429 response invokes the rate
// limit handler and retries, at most maxRateLimitRetries times; a 429
// without a usable ratelimit-reset header fails immediately.
func (f *ArchFacade) fetch(ctx context.Context, url string) ([]byte, error) {
	rateLimitRetries := 0

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build arch request", err)
		}
		req.Header.Set("Authorization", "Bearer "+f.accessToken.Unmask())
		req.Header.Set("Content-Type", "application/json")

		f.logger.InfoContext(ctx, "calling arch", "url", url)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamHTTP, "error calling arch", err)
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamHTTP, "unable to read arch response", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			f.logger.InfoContext(ctx, "arch responded with 429", "headers", resp.Header)

			reset := resp.Header.Get("ratelimit-reset")
			if reset == "" {
				return nil, types.NewAppError(
					types.ErrCodeRateLimitNoGuidance,
					"rate limit exceeded without retry information",
					nil,
				)
			}
			waitSeconds, convErr := strconv.Atoi(reset)
			if convErr != nil {
				return nil, types.NewAppError(
					types.ErrCodeRateLimitNoGuidance,
					"invalid ratelimit-reset header value",
					convErr,
				)
			}

			if rateLimitRetries >= maxRateLimitRetries {
				return nil, types.NewAppError(
					types.ErrCodeRateLimited,
					fmt.Sprintf("giving up after %d rate limited attempts", rateLimitRetries),
					nil,
				)
			}
			if err := f.rateLimitHandler(waitSeconds); err != nil {
				return nil, err
			}
			rateLimitRetries++
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, types.NewAppError(
				types.ErrCodeUpstreamHTTP,
				fmt.Sprintf("arch returned %d for %s", resp.StatusCode, url),
				nil,
			)
		}

		return body, nil
	}
}

// resourceURL rebases the canonical resource URL onto the facade's base URL.
func (f *ArchFacade) resourceURL(resourceName string, limit int, r *timerange.Range) string {
	return f.absolutize(strings.TrimPrefix(ResourceURL(resourceName, limit, r), ArchBaseURLProd))
}

// absolutize resolves a possibly-relative pagination or download link
// against the Arch base URL.
func (f *ArchFacade) absolutize(url string) string {
	if strings.HasPrefix(url, f.baseURL) {
		return url
	}
	return f.baseURL + url
}

func isPointInTimeEntity(resourceName string) bool {
	for _, entity := range pointInTimeEntities {
		if resourceName == entity {
			return true
		}
	}
	return false
}

func isSubQueryEntity(resourceName string) bool {
	for _, entity := range entitiesSupportingSubQueries {
		if resourceName == entity {
			return true
		}
	}
	return false
}

func supportsFiles(resourceName string) bool {
	for _, entity := range entitiesSupportingFiles {
		if resourceName == entity {
			return true
		}
	}
	return false
}

// ResourceURL builds the listing URL for one resource. Sub-query resource
// names (for example due_cash-flows) address the un-prefixed path while
// selecting prefix-specific date parameters; resources without a parameter
// mapping get a bare limit query.
func ResourceURL(resourceName string, limit int, r *timerange.Range) string {
	resourceURL := fmt.Sprintf("%s/%s?limit=%d", ArchBaseURLProd, resourceName, limit)
	for _, subQueryResource := range entitiesSupportingSubQueries {
		for _, prefix := range subQueryPrefixes {
			if resourceName == prefix+"_"+subQueryResource {
				resourceURL = fmt.Sprintf("%s/%s?limit=%d", ArchBaseURLProd, subQueryResource, limit)
			}
		}
	}

	start, end := "", ""
	if r != nil {
		start, end = r.StartTimeISO, r.EndTimeISO
	}

	var params string
	switch resourceName {
	case "activities":
		params = fmt.Sprintf("&includeSummaries=true&afterProcessedAt=%s&beforeProcessedAt=%s", start, end)
	case "holdings":
		params = "&includeMetrics=true&includeCustomFields=true"
	case "due_cash-flows":
		params = fmt.Sprintf("&includeAllocations=true&afterDueAt=%s&beforeDueAt=%s", start, end)
	case "completed_cash-flows":
		params = fmt.Sprintf("&includeAllocations=true&afterCompletedAt=%s&beforeCompletedAt=%s", start, end)
	case "created_cash-flows":
		params = fmt.Sprintf("&includeAllocations=true&afterCreatedAt=%s&beforeCreatedAt=%s", start, end)
	case "due_tasks":
		params = fmt.Sprintf("&afterDueDate=%s&beforeDueDate=%s", start, end)
	case "completed_tasks":
		params = fmt.Sprintf("&afterCompletionDate=%s&beforeCompletionDate=%s", start, end)
	case "created_tasks":
		params = fmt.Sprintf("&afterCreationTime=%s&beforeCreationTime=%s", start, end)
	default:
		params = ""
	}

	return resourceURL + params
}

// FilesURL builds the file-listing URL for one entity.
func FilesURL(baseURL, resourceName, entityID string) string {
	return fmt.Sprintf("%s/%s/%s/files", baseURL, resourceName, entityID)
}

// ArchRangeObjectKey builds the upload key for one page of a point-in-time
// resource: <peer>/<resource>_<rangebasename>_<page>.json.
func ArchRangeObjectKey(peerID, resourceName string, r timerange.Range, page int) string {
	return fmt.Sprintf("%s/%s_%s_%d.json", peerID, resourceName, r.FileBaseName(), page)
}

// ArchSnapshotObjectKey builds the upload key for one page of a snapshot
// resource: <peer>/<resource>_<yyyymmdd>_<page>.json.
func ArchSnapshotObjectKey(peerID, resourceName string, at time.Time, page int) string {
	return fmt.Sprintf("%s/%s_%s_%d.json", peerID, resourceName, at.Format("20060102"), page)
}

// ArchFileMetadataKey builds the upload key for an entity's file listing.
func ArchFileMetadataKey(peerID, resourceName, baseName, entityID string, page int) string {
	return fmt.Sprintf("%s/%s_%s_%d_%s_files.json", peerID, resourceName, baseName, page, entityID)
}

// ArchFileObjectKey builds the files-bucket key for one downloaded file.
func ArchFileObjectKey(peerID, resourceName, baseName string, page int, fileName string) string {
	return fmt.Sprintf("%s/%s_%s_%d/%s", peerID, resourceName, baseName, page, fileName)
}
