package pveinventory

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// StorageRecord is the normalized form of one storage on one node.
type StorageRecord struct {
	Name    string   `json:"name" yaml:"name"` // e.g. storage/pve1/local
	Node    string   `json:"node" yaml:"node"`
	Storage string   `json:"storage_name" yaml:"storage_name"`
	Size    float64  `json:"storage_size" yaml:"storage_size"` // GiB
	Content []string `json:"storage_content" yaml:"storage_content"`
	Enabled bool     `json:"storage_enabled" yaml:"storage_enabled"`
	Active  bool     `json:"storage_active" yaml:"storage_active"`
	Shared  bool     `json:"storage_shared" yaml:"storage_shared"`
	Type    string   `json:"storage_type" yaml:"storage_type"`
}

// StorageFetcher lists every storage of every node, sorted by id.
type StorageFetcher struct{}

type storageDetail struct {
	Storage string `json:"storage"`
	Total   number `json:"total"`
	Content string `json:"content"`
	Enabled flag   `json:"enabled"`
	Active  flag   `json:"active"`
	Shared  flag   `json:"shared"`
	Type    string `json:"type"`
}

func (d storageDetail) apply(rec *StorageRecord) {
	rec.Size = toGiB(d.Total.Int64())
	rec.Content = splitContent(d.Content)
	rec.Enabled = bool(d.Enabled)
	rec.Active = bool(d.Active)
	rec.Shared = bool(d.Shared)
	rec.Type = d.Type
}

// splitContent turns "vztmpl,iso,backup" into [backup iso vztmpl].
func splitContent(content string) []string {
	types := lo.Filter(strings.Split(content, ","), func(s string, _ int) bool {
		return s != ""
	})
	sort.Strings(types)
	return types
}

// Fetch implements Fetcher. The storage detail call is sent once per node,
// not once per storage.
func (StorageFetcher) Fetch(ctx context.Context, c *Client) ([]StorageRecord, error) {
	resources, err := c.clusterResources(ctx, "/cluster/resources/", "storage")
	if err != nil {
		return nil, err
	}
	resources = lo.Filter(resources, func(res clusterResource, _ int) bool {
		return res.Node != "" && res.ID != ""
	})

	byNode := lo.GroupBy(resources, func(res clusterResource) string { return res.Node })
	nodes := lo.Uniq(lo.Map(resources, func(res clusterResource, _ int) string { return res.Node }))

	records := make([]StorageRecord, 0, len(resources))
	for _, node := range nodes {
		details, err := fetchStorageDetails(ctx, c, node)
		if err != nil {
			return nil, err
		}

		for _, res := range byNode[node] {
			rec := StorageRecord{
				Name:    res.ID,
				Node:    res.Node,
				Storage: res.Storage,
				Content: []string{},
			}
			if detail, ok := details[res.Storage]; ok {
				detail.apply(&rec)
			}
			records = append(records, rec)
		}
	}

	sortStorage(records)

	return records, nil
}

// fetchStorageDetails returns the storage of node keyed by storage name.
func fetchStorageDetails(ctx context.Context, c *Client, node string) (map[string]storageDetail, error) {
	var rows []storageDetail
	path := fmt.Sprintf("/nodes/%s/storage", url.PathEscape(node))
	if err := c.get(ctx, path, nil, &rows); err != nil {
		return nil, fmt.Errorf("failed to get storage of node %s: %w", node, err)
	}
	return lo.KeyBy(rows, func(row storageDetail) string { return row.Storage }), nil
}

// nodeStorage builds the storage records of a single node from its detail
// call alone.
func nodeStorage(ctx context.Context, c *Client, node string) ([]StorageRecord, error) {
	details, err := fetchStorageDetails(ctx, c, node)
	if err != nil {
		return nil, err
	}

	records := make([]StorageRecord, 0, len(details))
	for name, detail := range details {
		rec := StorageRecord{
			Name:    fmt.Sprintf("storage/%s/%s", node, name),
			Node:    node,
			Storage: name,
		}
		detail.apply(&rec)
		records = append(records, rec)
	}

	sortStorage(records)

	return records, nil
}

func sortStorage(records []StorageRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Name < records[j].Name
	})
}
