package nodeconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: 0001020304050607\n"), 0o644))

	n, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, defaultTickPeriodMillis, n.TickPeriodMillis)
	require.Equal(t, DefaultSweep(), n.Sweep)
}

func TestLoadRejectsMissingAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tick_period_millis: 50\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadClusterRequiresAtLeastOneNode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes: []\n"), 0o644))

	_, err := LoadCluster(path)
	require.Error(t, err)
}

func TestLoadClusterNormalizesEveryNode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	yaml := `
nodes:
  - address: "0001020304050607"
    peers:
      - address: "0102030405060708"
  - address: "0102030405060708"
    tick_period_millis: 25
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	c, err := LoadCluster(path)
	require.NoError(t, err)
	require.Len(t, c.Nodes, 2)
	require.Equal(t, defaultTickPeriodMillis, c.Nodes[0].TickPeriodMillis)
	require.Equal(t, 25, c.Nodes[1].TickPeriodMillis)
	require.Equal(t, "0102030405060708", c.Nodes[0].Peers[0].Address)
}
