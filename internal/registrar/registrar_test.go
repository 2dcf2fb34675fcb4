package registrar

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrarAdvertisesRpcAddress(t *testing.T) {
	reg, err := New(&Config{Enabled: true, BindPort: 0}, "node-1", "127.0.0.1:7690", nil, nil)
	require.NoError(t, err)
	defer reg.Shutdown()

	var meta nodeMeta
	require.NoError(t, json.Unmarshal(reg.NodeMeta(512), &meta))
	assert.Equal(t, "node-1", meta.NodeID)
	assert.Equal(t, "127.0.0.1:7690", string(meta.Address))
}

func TestNodeMetaRespectsLimit(t *testing.T) {
	reg, err := New(&Config{Enabled: true, BindPort: 0}, "node-with-a-rather-long-name", "127.0.0.1:7690", nil, nil)
	require.NoError(t, err)
	defer reg.Shutdown()

	assert.LessOrEqual(t, len(reg.NodeMeta(16)), 16)
}
