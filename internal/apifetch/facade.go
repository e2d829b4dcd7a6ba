// Package apifetch implements the integration facades that poll external
// financial APIs and persist paginated results into the upload bucket. Each
// facade owns one integration's URL scheme, pagination protocol, and rate
// limit contract; a peer's configuration selects which facade runs.
package apifetch

import (
	"context"
	"io"
	"net/http"

	"peerflow/internal/types"
)

// Facade fetches one peer's resources from an external API and stores the
// results. Execute returns the refs of every object it stored.
type Facade interface {
	Execute(ctx context.Context) ([]types.ObjectRef, error)
}

// ObjectStore is the narrow storage interface the facades require.
// *storage.Store satisfies it.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body io.Reader) (types.ObjectRef, error)
}

// HTTPDoer is the narrow HTTP client interface the facades require. The
// Wise facade typically receives an *external.BaseClient; the Arch facade
// receives a plain *http.Client because its rate limit protocol is handled
// by the facade itself.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
