package pveinventory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/maruel/natural"
	"github.com/samber/lo"
)

// VMRecord is the normalized form of a virtual machine or container.
// Optional fields are nil unless the matching option was requested.
type VMRecord struct {
	ID           int          `json:"vm_id" yaml:"vm_id"`
	Host         string       `json:"vm_host" yaml:"vm_host"`
	Name         string       `json:"vm_name" yaml:"vm_name"`
	Type         string       `json:"vm_type" yaml:"vm_type"`
	CPU          int          `json:"hardware_cpu" yaml:"hardware_cpu"`
	Memory       float64      `json:"hardware_memory" yaml:"hardware_memory"` // MiB
	Pool         *string      `json:"vm_pool,omitempty" yaml:"vm_pool,omitempty"`
	HA           *bool        `json:"vm_ha,omitempty" yaml:"vm_ha,omitempty"`
	Description  *string      `json:"description,omitempty" yaml:"description,omitempty"`
	OSType       *string      `json:"os_type,omitempty" yaml:"os_type,omitempty"`
	Cores        *int         `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	Sockets      *int         `json:"cpu_sockets,omitempty" yaml:"cpu_sockets,omitempty"`
	NUMA         *bool        `json:"cpu_numa,omitempty" yaml:"cpu_numa,omitempty"`
	Autostart    *bool        `json:"autostart,omitempty" yaml:"autostart,omitempty"`
	AgentEnabled *bool        `json:"agent_enabled,omitempty" yaml:"agent_enabled,omitempty"`
	GuestAgent   *bool        `json:"guest_agent,omitempty" yaml:"guest_agent,omitempty"`
	GuestNetwork GuestNetwork `json:"guest_network" yaml:"guest_network"`
}

// VMFetcher lists all guests of the cluster except templates.
type VMFetcher struct {
	GuestAgent  bool // query the QEMU guest agent for network interfaces
	Description bool // fetch the guest config for description, ostype and hardware settings
	HA          bool // fetch the HA managed state
}

var loopbackInterface = regexp.MustCompile(`^(lo|Loopback)`)

// guestConfig is the payload of /nodes/{node}/{type}/{vmid}/config.
type guestConfig map[string]text

// integer returns nil if key is missing or not a number.
func (g guestConfig) integer(key string) *int {
	v, ok := g[key]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v.String())
	if err != nil {
		return nil
	}
	return &n
}

// boolean reads 0/1 settings. For property strings like "enabled=1,fstrim_cloned_disks=1"
// the first segment is the setting itself.
func (g guestConfig) boolean(key string) *bool {
	v, ok := g[key]
	if !ok {
		return nil
	}
	first, _, _ := strings.Cut(v.String(), ",")
	if _, value, found := strings.Cut(first, "="); found {
		first = value
	}
	return lo.ToPtr(first == "1")
}

type guestStatus struct {
	HA struct {
		Managed flag `json:"managed"`
	} `json:"ha"`
}

type agentInterface struct {
	Name            string `json:"name"`
	HardwareAddress string `json:"hardware-address"`
	IPAddresses     []struct {
		Type    string `json:"ip-address-type"`
		Address string `json:"ip-address"`
		Prefix  number `json:"prefix"`
	} `json:"ip-addresses"`
}

// Fetch sends one list call and then, per guest and in list order, the
// sub-queries the options ask for. Guest agent failures only mark the agent
// as absent, every other failure aborts the whole fetch.
func (f VMFetcher) Fetch(ctx context.Context, c *Client) ([]VMRecord, error) {
	resources, err := c.clusterResources(ctx, "/cluster/resources", "vm")
	if err != nil {
		return nil, err
	}

	vms := make([]VMRecord, 0, len(resources))
	for _, res := range resources {
		if res.Template || res.Node == "" || res.ID == "" {
			continue
		}

		vm, err := f.normalize(ctx, c, res)
		if err != nil {
			return nil, fmt.Errorf("failed to normalize guest %s: %w", res.ID, err)
		}
		vms = append(vms, vm)
	}

	return vms, nil
}

func (f VMFetcher) normalize(ctx context.Context, c *Client, res clusterResource) (VMRecord, error) {
	vm := VMRecord{
		ID:     res.VMID.Int(),
		Host:   res.Node,
		Name:   res.Name,
		Type:   res.Type,
		CPU:    res.MaxCPU.Int(),
		Memory: toMiB(res.MaxMem.Int64()),
		Pool:   res.Pool,
	}

	if f.GuestAgent {
		vm.GuestAgent = lo.ToPtr(false)
	}

	if f.HA {
		managed, err := haManaged(ctx, c, res)
		if err != nil {
			return VMRecord{}, err
		}
		vm.HA = &managed
	}

	var config guestConfig
	if f.Description || GuestType(res.Type) == GuestTypeLXC {
		var err error
		config, err = fetchGuestConfig(ctx, c, res)
		if err != nil {
			return VMRecord{}, err
		}
	}

	if f.Description {
		vm.Description = lo.ToPtr(unescapeDescription(config["description"].String()))
		if ostype, ok := config["ostype"]; ok {
			vm.OSType = lo.ToPtr(ostype.String())
		}
		vm.Cores = config.integer("cores")
		vm.Sockets = config.integer("sockets")
		vm.NUMA = config.boolean("numa")
		vm.Autostart = config.boolean("onboot")
		vm.AgentEnabled = config.boolean("agent")
	}

	var interfaces map[string]NetworkInterface
	switch GuestType(res.Type) {
	case GuestTypeQEMU:
		if f.GuestAgent {
			present, ifaces := agentNetwork(ctx, c, res.Node, vm.ID)
			vm.GuestAgent = &present
			interfaces = ifaces
		}
	case GuestTypeLXC:
		interfaces = containerInterfaces(config)
	}

	vm.GuestNetwork = newGuestNetwork(interfaces)

	return vm, nil
}

func haManaged(ctx context.Context, c *Client, res clusterResource) (bool, error) {
	var status guestStatus
	path := fmt.Sprintf("/nodes/%s/%s/status/current", url.PathEscape(res.Node), res.ID)
	if err := c.get(ctx, path, nil, &status); err != nil {
		return false, fmt.Errorf("failed to get status: %w", err)
	}
	return bool(status.HA.Managed), nil
}

func fetchGuestConfig(ctx context.Context, c *Client, res clusterResource) (guestConfig, error) {
	config := guestConfig{}
	path := fmt.Sprintf("/nodes/%s/%s/config", url.PathEscape(res.Node), res.ID)
	if err := c.get(ctx, path, nil, &config); err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}
	return config, nil
}

// unescapeDescription removes the backslash escaping older API versions put
// into descriptions and trims the result.
func unescapeDescription(s string) string {
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// agentCommand returns the result of a guest agent command, nil if the agent
// answered without result or with an error.
func agentCommand(ctx context.Context, c *Client, node string, vmid int, command string) (json.RawMessage, error) {
	var outp struct {
		Result json.RawMessage `json:"result"`
	}
	path := fmt.Sprintf("/nodes/%s/qemu/%d/agent", url.PathEscape(node), vmid)
	if err := c.post(ctx, path, url.Values{"command": {command}}, &outp); err != nil {
		return nil, err
	}

	if isEmptyData(outp.Result) {
		return nil, nil
	}

	var agentErr struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(outp.Result, &agentErr) == nil && !isEmptyData(agentErr.Error) {
		return nil, nil
	}

	return outp.Result, nil
}

// hasGuestAgent pings the agent with "info". Any failure means no agent.
func hasGuestAgent(ctx context.Context, c *Client, node string, vmid int) bool {
	result, err := agentCommand(ctx, c, node, vmid, "info")
	if err != nil {
		c.debugf("guest agent of %s/%d not available: %v", node, vmid, err)
		return false
	}
	return nonEmpty(result)
}

func nonEmpty(raw json.RawMessage) bool {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch value := v.(type) {
	case map[string]interface{}:
		return len(value) > 0
	case []interface{}:
		return len(value) > 0
	case string:
		return value != ""
	case nil:
		return false
	}
	return true
}

// agentNetwork reports whether the guest agent is present and the
// interfaces it knows about. A failing interface query counts as no agent.
func agentNetwork(ctx context.Context, c *Client, node string, vmid int) (bool, map[string]NetworkInterface) {
	if !hasGuestAgent(ctx, c, node, vmid) {
		return false, nil
	}

	result, err := agentCommand(ctx, c, node, vmid, "network-get-interfaces")
	if err != nil {
		c.debugf("failed to query interfaces of %s/%d: %v", node, vmid, err)
		return false, nil
	}

	var rows []agentInterface
	if result != nil {
		if err := json.Unmarshal(result, &rows); err != nil {
			c.debugf("unexpected interface list of %s/%d: %v", node, vmid, err)
			return false, nil
		}
	}

	interfaces := make(map[string]NetworkInterface, len(rows))
	for _, row := range rows {
		if loopbackInterface.MatchString(row.Name) {
			continue
		}

		iface := NetworkInterface{
			Name:   row.Name,
			HWAddr: row.HardwareAddress,
			IPv4:   []string{},
			IPv6:   []string{},
		}
		for _, ip := range row.IPAddresses {
			cidr := fmt.Sprintf("%s/%d", ip.Address, ip.Prefix.Int())
			if ip.Type == "ipv4" {
				iface.IPv4 = append(iface.IPv4, cidr)
			} else {
				iface.IPv6 = append(iface.IPv6, cidr)
			}
		}
		interfaces[row.Name] = iface
	}

	return true, interfaces
}

func isDynamicAddress(value string) bool {
	return value == "dhcp" || value == "auto"
}

// containerInterfaces reads the net* keys of a container config. Dynamic
// addresses are dropped, interfaces left without any address are skipped.
func containerInterfaces(config guestConfig) map[string]NetworkInterface {
	keys := lo.Filter(lo.Keys(config), func(key string, _ int) bool {
		return strings.HasPrefix(key, "net")
	})
	sort.Slice(keys, func(i, j int) bool { return natural.Less(keys[i], keys[j]) })

	interfaces := make(map[string]NetworkInterface)
	for _, key := range keys {
		props := ParsePropertyString(config[key].String())

		iface := NetworkInterface{
			Name:   props["name"],
			HWAddr: "N/A",
			IPv4:   []string{},
			IPv6:   []string{},
		}
		if hwaddr, ok := props["hwaddr"]; ok {
			iface.HWAddr = hwaddr
		}
		if ip := props["ip"]; ip != "" && !isDynamicAddress(ip) {
			iface.IPv4 = append(iface.IPv4, ip)
		}
		if ip6 := props["ip6"]; ip6 != "" && !isDynamicAddress(ip6) {
			iface.IPv6 = append(iface.IPv6, ip6)
		}

		if len(iface.IPv4) == 0 && len(iface.IPv6) == 0 {
			continue
		}
		interfaces[iface.Name] = iface
	}

	return interfaces
}
