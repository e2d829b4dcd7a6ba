// Package peers fetches and queries the peers.json configuration document.
//
// The document is served over HTTP by the AppConfig Lambda extension in
// deployed environments and by a plain file server in local development. It
// is fetched fresh on every invocation so configuration changes take effect
// without a redeploy, and is treated as immutable within one invocation.
package peers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"peerflow/internal/types"
)

// HTTPDoer is the narrow HTTP client interface the peer service requires.
// *external.BaseClient satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Service fetches the peers.json configuration document.
type Service struct {
	client  HTTPDoer
	url     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewService creates a peer configuration service. The url is the HTTP
// endpoint serving peers.json and timeout bounds a single fetch.
func NewService(client HTTPDoer, url string, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:  client,
		url:     url,
		timeout: timeout,
		logger:  logger,
	}
}

// Fetch retrieves and parses the peers.json document. The document is a
// JSON array of peer records. Any fetch or parse failure is returned as an
// AppError so callers fail the whole invocation rather than proceed with a
// stale or partial peer list.
func (s *Service) Fetch(ctx context.Context) ([]types.PeerConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamPeersConfig,
			"failed to build peers config request",
			err,
		)
	}

	s.logger.InfoContext(ctx, "fetching peers configuration", slog.String("url", s.url))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamPeersConfig,
			"unable to fetch peers config",
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamPeersConfig,
			fmt.Sprintf("peers config endpoint returned %d", resp.StatusCode),
			nil,
		)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamPeersConfig,
			"failed to read peers config response",
			err,
		)
	}

	var peers []types.PeerConfig
	if err := json.Unmarshal(body, &peers); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamPeersConfig,
			"unable to process peers config",
			err,
		)
	}

	return peers, nil
}

// FindPeer returns the peer with the given id, or an AppError with code
// validation_unknown_peer if no such peer is configured.
func FindPeer(peers []types.PeerConfig, id string) (*types.PeerConfig, error) {
	for i := range peers {
		if peers[i].ID == id {
			return &peers[i], nil
		}
	}
	return nil, types.NewAppError(
		types.ErrCodeValidationUnknownPeer,
		fmt.Sprintf("peer %q is not configured", id),
		nil,
	)
}

// FindPeerByWiseProfile returns the api-method peer whose Wise profile
// matches, or nil if none does. Used by the webhook handler to map an
// incoming event's profile id back to a peer.
func FindPeerByWiseProfile(peers []types.PeerConfig, profileID string) *types.PeerConfig {
	for i := range peers {
		p := &peers[i]
		if p.Method != "api" {
			continue
		}
		if p.Config.Wise != nil && p.Config.Wise.Profile == profileID {
			return p
		}
	}
	return nil
}

// FlattenCategories returns every configured category across all peers,
// with the owning peer's id stamped onto each entry.
func FlattenCategories(peers []types.PeerConfig) []types.PeerCategory {
	var categories []types.PeerCategory
	for _, peer := range peers {
		for _, category := range peer.Categories {
			categories = append(categories, types.PeerCategory{
				PeerID:           peer.ID,
				CategoryID:       category.CategoryID,
				FilenamePatterns: category.FilenamePatterns,
				Transformations:  category.Transformations,
			})
		}
	}
	return categories
}

// CategoriesFor returns the categories configured for a single peer, with
// the peer id stamped onto each entry.
func CategoriesFor(peer *types.PeerConfig) []types.PeerCategory {
	var categories []types.PeerCategory
	for _, category := range peer.Categories {
		categories = append(categories, types.PeerCategory{
			PeerID:           peer.ID,
			CategoryID:       category.CategoryID,
			FilenamePatterns: category.FilenamePatterns,
			Transformations:  category.Transformations,
		})
	}
	return categories
}
