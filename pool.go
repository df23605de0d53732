package pveinventory

import (
	"context"
	"fmt"
	"net/url"
)

// PoolRecord is the normalized form of a resource pool.
type PoolRecord struct {
	ID      string  `json:"pool_id" yaml:"pool_id"`
	Comment *string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// PoolFetcher lists the resource pools.
type PoolFetcher struct {
	Details bool // fetch the comment of every pool
}

// Fetch implements Fetcher.
func (f PoolFetcher) Fetch(ctx context.Context, c *Client) ([]PoolRecord, error) {
	var entries []struct {
		PoolID string `json:"poolid"`
	}
	if err := c.get(ctx, "/pools", nil, &entries); err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}

	pools := make([]PoolRecord, 0, len(entries))
	for _, entry := range entries {
		pool := PoolRecord{ID: entry.PoolID}

		if f.Details {
			var details struct {
				Comment text `json:"comment"`
			}
			if err := c.get(ctx, "/pools/"+url.PathEscape(entry.PoolID), nil, &details); err != nil {
				return nil, fmt.Errorf("failed to get pool %s: %w", entry.PoolID, err)
			}
			comment := details.Comment.String()
			pool.Comment = &comment
		}

		pools = append(pools, pool)
	}

	return pools, nil
}
