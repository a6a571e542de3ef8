package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorlink/errors"
)

const seedYAML = `
devices:
  - address: "24:6f:28:c4:76:98"
    name: AirBeam3
    kind: stream
    target_state: CONNECTED
  - address: "CB:B8:33:4C:88:4F"
    name: Ruuvi
    kind: broadcast
    actual_state: CONNECTED
`

func TestParseSeed(t *testing.T) {
	devices, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "24:6F:28:C4:76:98", devices[0].Address)
	assert.Equal(t, KindStream, devices[0].Kind)
	assert.Equal(t, StateConnected, devices[0].TargetState)
	assert.Equal(t, StateNone, devices[1].ActualState)
}

func TestParseSeed_Rejects(t *testing.T) {
	_, err := ParseSeed([]byte("devices: ["))
	assert.True(t, errors.IsInvalid(err))

	_, err = ParseSeed([]byte("devices:\n  - address: AA\n    kind: serial\n"))
	assert.True(t, errors.IsInvalid(err))

	_, err = ParseSeed([]byte("devices:\n  - address: AA\n    kind: stream\n  - address: aa\n    kind: stream\n"))
	assert.True(t, errors.IsInvalid(err))
}

func TestLoadSeedFile_KeepsExisting(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, Device{
		Address: "24:6F:28:C4:76:98", Kind: KindStream, TargetState: StateDisconnected,
	}))

	added, err := LoadSeedFile(ctx, store, path)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	existing, err := store.Get(ctx, "24:6F:28:C4:76:98")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, existing.TargetState)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = LoadSeedFile(ctx, store, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
