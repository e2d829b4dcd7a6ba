package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/flate"

	"peerflow/internal/types"
)

// unzip expands a zip archive in place. Each member is stored next to the
// archive as <dir>/<zipbase>__<member>, so expanded members re-trigger
// processing in the upload bucket. Members with unsafe names are skipped
// with a warning; a corrupt archive fails the whole operation.
func (p *Processor) unzip(ctx context.Context, bucket, key string) ([]types.ObjectRef, error) {
	targetFolder := path.Dir(key)
	zipBase := strings.TrimSuffix(path.Base(key), path.Ext(key))

	body, err := p.store.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	buffer, err := io.ReadAll(body)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamStorage,
			fmt.Sprintf("unable to read archive %s/%s", bucket, key),
			err,
		)
	}

	reader, err := zip.NewReader(bytes.NewReader(buffer), int64(len(buffer)))
	if err != nil {
		return nil, unreadableArchiveError(bucket, key, err)
	}
	reader.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})

	var items []types.ObjectRef

	for _, member := range reader.File {
		if member.FileInfo().IsDir() {
			continue
		}

		safeName, err := ValidateSafeFilename(member.Name)
		if err != nil {
			p.logger.WarnContext(ctx, "skipping malicious file in archive",
				"archive", key, "member", member.Name, "error", err)
			continue
		}

		targetKey := path.Join(targetFolder, fmt.Sprintf("%s__%s", zipBase, safeName))

		memberReader, err := member.Open()
		if err != nil {
			return nil, unreadableArchiveError(bucket, key, err)
		}

		ref, putErr := p.store.Put(ctx, bucket, targetKey, memberReader)
		memberReader.Close()
		if putErr != nil {
			return nil, putErr
		}

		items = append(items, ref)
	}

	return items, nil
}

func unreadableArchiveError(bucket, key string, err error) *types.AppError {
	return types.NewAppError(
		types.ErrCodeInternalBadArchive,
		fmt.Sprintf("unable to extract zip file at: s3://%s/%s", bucket, key),
		err,
	)
}
