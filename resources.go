package pveinventory

import (
	"context"
	"fmt"
	"net/url"
)

// GuestType is the type of a cluster resource of type vm.
type GuestType string

const (
	GuestTypeQEMU GuestType = "qemu"
	GuestTypeLXC  GuestType = "lxc"
)

func (t GuestType) String() string { return string(t) }

// clusterResource is one entry of /cluster/resources. The endpoint returns
// different attributes per resource type, only the used ones are kept.
type clusterResource struct {
	ID       string  `json:"id"` // e.g. qemu/100 or storage/pve1/local
	Type     string  `json:"type"`
	Node     string  `json:"node"`
	Name     string  `json:"name"`
	VMID     number  `json:"vmid"`
	MaxCPU   number  `json:"maxcpu"`
	MaxMem   number  `json:"maxmem"`
	Pool     *string `json:"pool"`
	Template flag    `json:"template"`
	Storage  string  `json:"storage"`
}

func (c *Client) clusterResources(ctx context.Context, path, resourceType string) ([]clusterResource, error) {
	var resources []clusterResource
	if err := c.get(ctx, path, url.Values{"type": {resourceType}}, &resources); err != nil {
		return nil, fmt.Errorf("failed to list cluster resources of type %s: %w", resourceType, err)
	}
	return resources, nil
}
