package pveinventory

import "context"

// Fetcher turns one list call plus optional per-entity sub-queries into
// normalized records. Options are the fields of the implementing struct.
type Fetcher[R any] interface {
	Fetch(ctx context.Context, c *Client) ([]R, error)
}

var (
	_ Fetcher[VMRecord]      = VMFetcher{}
	_ Fetcher[NodeRecord]    = NodeFetcher{}
	_ Fetcher[StorageRecord] = StorageFetcher{}
	_ Fetcher[PoolRecord]    = PoolFetcher{}
)

// Fetch runs f while holding the client's fetch lock, so that no other fetch
// on the same session interleaves with it.
func Fetch[R any](ctx context.Context, c *Client, f Fetcher[R]) ([]R, error) {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	return f.Fetch(ctx, c)
}
