package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ChuLiYu/falcon-monitor/pkg/types"
)

// Source fetches the authoritative (but possibly stale) batch summary list.
type Source interface {
	Fetch(ctx context.Context) ([]types.BatchSummary, error)
}

// HTTPSource fetches summaries from a REST endpoint returning a JSON list.
// Authentication and error-shape normalization belong to the surrounding
// REST client; this source only speaks the snapshot contract.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource creates a source for the given endpoint URL.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		url:    url,
		client: &http.Client{},
	}
}

// Fetch performs one GET and decodes the summary list.
func (s *HTTPSource) Fetch(ctx context.Context) ([]types.BatchSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot fetch: unexpected status %d", resp.StatusCode)
	}

	var summaries []types.BatchSummary
	if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
		return nil, fmt.Errorf("snapshot decode: %w", err)
	}
	return summaries, nil
}
