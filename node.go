package pveinventory

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// NodeRecord is the normalized form of a cluster node.
type NodeRecord struct {
	Name          string          `json:"name" yaml:"name"`
	CPU           int             `json:"cpu" yaml:"cpu"`
	MemorySize    float64         `json:"memory_size" yaml:"memory_size"` // GiB
	CPUModel      *string         `json:"cpu_model,omitempty" yaml:"cpu_model,omitempty"`
	CPUSpeed      *float64        `json:"cpu_speed,omitempty" yaml:"cpu_speed,omitempty"` // MHz
	CPUCores      *int            `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	CPUSockets    *int            `json:"cpu_sockets,omitempty" yaml:"cpu_sockets,omitempty"`
	CPUHVM        *bool           `json:"cpu_hvm,omitempty" yaml:"cpu_hvm,omitempty"`
	PVEVersion    *string         `json:"pve_version,omitempty" yaml:"pve_version,omitempty"`
	KernelVersion *string         `json:"kernel_version,omitempty" yaml:"kernel_version,omitempty"`
	Subscription  *Subscription   `json:"subscription,omitempty" yaml:"subscription,omitempty"`
	Storage       []StorageRecord `json:"storage,omitempty" yaml:"storage,omitempty"`
}

// Subscription is the support subscription of a node.
type Subscription struct {
	ProductName string `json:"product_name" yaml:"product_name"`
	Status      string `json:"status" yaml:"status"`
	Sockets     int    `json:"sockets" yaml:"sockets"`
	NextDueDate string `json:"next_due_date" yaml:"next_due_date"`
}

// NodeFetcher lists the nodes of the cluster, sorted by name.
type NodeFetcher struct {
	Status       bool // CPU details, total memory and versions
	Subscription bool
	Storage      bool // attach the storage list of every node
}

type nodeListEntry struct {
	Node   string `json:"node"`
	MaxCPU number `json:"maxcpu"`
	MaxMem number `json:"maxmem"`
}

type nodeStatus struct {
	CPUInfo struct {
		Model   string `json:"model"`
		MHz     number `json:"mhz"`
		Cores   number `json:"cores"`
		Sockets number `json:"sockets"`
		HVM     flag   `json:"hvm"`
	} `json:"cpuinfo"`
	Memory struct {
		Total number `json:"total"`
	} `json:"memory"`
	PVEVersion    string `json:"pveversion"`
	KVersion      string `json:"kversion"`
	CurrentKernel *struct {
		Release string `json:"release"`
	} `json:"current-kernel"`
}

type nodeSubscription struct {
	ProductName string `json:"productname"`
	Status      string `json:"status"`
	Sockets     number `json:"sockets"`
	NextDueDate string `json:"nextduedate"`
}

// Fetch implements Fetcher.
func (f NodeFetcher) Fetch(ctx context.Context, c *Client) ([]NodeRecord, error) {
	var entries []nodeListEntry
	if err := c.get(ctx, "/nodes", nil, &entries); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]NodeRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.Node == "" {
			continue
		}

		node := NodeRecord{
			Name:       entry.Node,
			CPU:        entry.MaxCPU.Int(),
			MemorySize: toGiB(entry.MaxMem.Int64()),
		}

		if f.Status {
			if err := addNodeStatus(ctx, c, &node); err != nil {
				return nil, err
			}
		}

		if f.Subscription {
			if err := addNodeSubscription(ctx, c, &node); err != nil {
				return nil, err
			}
		}

		if f.Storage {
			storage, err := nodeStorage(ctx, c, node.Name)
			if err != nil {
				return nil, err
			}
			node.Storage = storage
		}

		nodes = append(nodes, node)
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Name < nodes[j].Name
	})

	return nodes, nil
}

func addNodeStatus(ctx context.Context, c *Client, node *NodeRecord) error {
	var status *nodeStatus
	path := fmt.Sprintf("/nodes/%s/status", url.PathEscape(node.Name))
	if err := c.get(ctx, path, nil, &status); err != nil {
		return fmt.Errorf("failed to get status of node %s: %w", node.Name, err)
	}
	if status == nil {
		return nil
	}

	node.CPUModel = &status.CPUInfo.Model
	speed := float64(status.CPUInfo.MHz)
	node.CPUSpeed = &speed
	cores := status.CPUInfo.Cores.Int()
	node.CPUCores = &cores
	sockets := status.CPUInfo.Sockets.Int()
	node.CPUSockets = &sockets
	hvm := bool(status.CPUInfo.HVM)
	node.CPUHVM = &hvm
	node.MemorySize = toGiB(status.Memory.Total.Int64())

	pveVersion := managerVersion(status.PVEVersion)
	node.PVEVersion = &pveVersion

	kernel := kernelRelease(status.KVersion)
	if status.CurrentKernel != nil && status.CurrentKernel.Release != "" {
		kernel = status.CurrentKernel.Release
	}
	node.KernelVersion = &kernel

	return nil
}

// managerVersion extracts "8.1.3" from "pve-manager/8.1.3/b46aac3b42da5d15".
func managerVersion(s string) string {
	parts := strings.Split(s, "/")
	if len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	return s
}

// kernelRelease extracts the release from a uname style string like
// "Linux 6.5.11-7-pve #1 SMP PREEMPT_DYNAMIC PMX 6.5.11-7".
func kernelRelease(s string) string {
	fields := strings.Fields(s)
	if len(fields) >= 2 {
		return fields[1]
	}
	return s
}

func addNodeSubscription(ctx context.Context, c *Client, node *NodeRecord) error {
	var sub *nodeSubscription
	path := fmt.Sprintf("/nodes/%s/subscription", url.PathEscape(node.Name))
	if err := c.get(ctx, path, nil, &sub); err != nil {
		return fmt.Errorf("failed to get subscription of node %s: %w", node.Name, err)
	}
	if sub == nil {
		return nil
	}

	node.Subscription = &Subscription{
		ProductName: sub.ProductName,
		Status:      sub.Status,
		Sockets:     sub.Sockets.Int(),
		NextDueDate: sub.NextDueDate,
	}
	return nil
}
