// Package nodeconfig loads a minios node's configuration from YAML.
//
// doismellburning/samoyed hand-rolls a line-oriented parser for
// direwolf.conf in config.go; its go.mod already declares
// gopkg.in/yaml.v3 but never imports it anywhere. We give that
// dependency the home it never got.
package nodeconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Sweep holds the tick-count budget a priority band is scheduled for
// before the scheduler rotates to the next band.
type Sweep struct {
	Band0 int `yaml:"band0"`
	Band1 int `yaml:"band1"`
	Band2 int `yaml:"band2"`
	Band3 int `yaml:"band3"`
}

// DefaultSweep is the fixed [80,40,24,16] band schedule.
func DefaultSweep() Sweep {
	return Sweep{Band0: 80, Band1: 40, Band2: 24, Band3: 16}
}

// Peer is one other node this node's link layer may dial or expect to
// discover over mDNS.
type Peer struct {
	Address string `yaml:"address"`
	UDPAddr string `yaml:"udp_addr,omitempty"`
}

// Node is the full on-disk configuration for one minios node.
type Node struct {
	// Address is this node's 8-byte network address, hex-encoded.
	Address string `yaml:"address"`

	// TickPeriodMillis is the wall-clock duration of one scheduler tick.
	TickPeriodMillis int `yaml:"tick_period_millis"`

	Sweep Sweep `yaml:"sweep"`

	// UDPListen is the real socket address lanlink binds, when used.
	UDPListen string `yaml:"udp_listen,omitempty"`

	// DNSSDServiceName, if set, is announced over mDNS by lanlink.
	DNSSDServiceName string `yaml:"dnssd_service_name,omitempty"`

	Peers []Peer `yaml:"peers,omitempty"`

	// BlockDevicePath, if set, backs the node's block device with a
	// real file; when empty the node has no block device.
	BlockDevicePath string `yaml:"block_device_path,omitempty"`
	BlockCount      int    `yaml:"block_count,omitempty"`
}

const defaultTickPeriodMillis = 100

// Load reads and validates a Node configuration from path.
func Load(path string) (*Node, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nodeconfig: read %s: %w", path, err)
	}

	var n Node
	if err := yaml.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("nodeconfig: parse %s: %w", path, err)
	}
	if err := normalize(&n, path); err != nil {
		return nil, err
	}
	return &n, nil
}

// Cluster is a sim-mode configuration: several nodes meant to share
// one in-process link-layer network, loaded from a single YAML file
// so a whole demo topology can be described in one place.
type Cluster struct {
	Nodes []Node `yaml:"nodes"`
}

// LoadCluster reads and validates a Cluster configuration from path.
func LoadCluster(path string) (*Cluster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nodeconfig: read %s: %w", path, err)
	}

	var c Cluster
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("nodeconfig: parse %s: %w", path, err)
	}
	if len(c.Nodes) == 0 {
		return nil, fmt.Errorf("nodeconfig: %s: cluster has no nodes", path)
	}
	for i := range c.Nodes {
		if err := normalize(&c.Nodes[i], path); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func normalize(n *Node, path string) error {
	if n.Address == "" {
		return fmt.Errorf("nodeconfig: %s: address is required", path)
	}
	if n.TickPeriodMillis == 0 {
		n.TickPeriodMillis = defaultTickPeriodMillis
	}
	if n.Sweep == (Sweep{}) {
		n.Sweep = DefaultSweep()
	}
	return nil
}
