package pveinventory

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/maruel/natural"
	"gopkg.in/yaml.v3"
)

// NetworkInterface is one guest interface with its addresses in CIDR notation.
type NetworkInterface struct {
	Name   string   `json:"-" yaml:"-"`
	HWAddr string   `json:"hwaddr" yaml:"hwaddr"`
	IPv4   []string `json:"ipv4" yaml:"ipv4"`
	IPv6   []string `json:"ipv6" yaml:"ipv6"`
}

// GuestNetwork maps interface names to interfaces. It is kept as a slice so
// that the natural name order survives serialisation as an object.
type GuestNetwork []NetworkInterface

func newGuestNetwork(byName map[string]NetworkInterface) GuestNetwork {
	network := make(GuestNetwork, 0, len(byName))
	for _, iface := range byName {
		network = append(network, iface)
	}
	sort.SliceStable(network, func(i, j int) bool {
		return natural.Less(network[i].Name, network[j].Name)
	})
	return network
}

// Names returns the interface names in order.
func (g GuestNetwork) Names() []string {
	names := make([]string, 0, len(g))
	for _, iface := range g {
		names = append(names, iface.Name)
	}
	return names
}

// Lookup returns the interface called name.
func (g GuestNetwork) Lookup(name string) (NetworkInterface, bool) {
	for _, iface := range g {
		if iface.Name == name {
			return iface, true
		}
	}
	return NetworkInterface{}, false
}

func (g GuestNetwork) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, iface := range g {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(iface.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(iface)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (g GuestNetwork) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, iface := range g {
		value := &yaml.Node{}
		if err := value.Encode(iface); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: iface.Name},
			value,
		)
	}
	return node, nil
}
