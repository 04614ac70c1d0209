package api

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rwa-market/pricesync/internal/model"
)

// GetQuotes fetches the latest quotes for keys in a single request.
func (c *Client) GetQuotes(ctx context.Context, keys []model.InstrumentKey) (*QuotesResponse, error) {
	if len(keys) == 0 {
		return &QuotesResponse{}, nil
	}

	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.ID()
	}

	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))

	var resp QuotesResponse
	if err := c.get(ctx, "/quotes", query, &resp); err != nil {
		return nil, fmt.Errorf("get quotes: %w", err)
	}

	return &resp, nil
}
