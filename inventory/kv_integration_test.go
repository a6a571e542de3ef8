//go:build integration

package inventory

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/natsclient"
)

func TestIntegration_KVStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	tc := natsclient.NewTestClient(t, natsclient.WithKVBuckets("sensorlink_devices"))
	ctx := context.Background()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "sensorlink_devices"})
	require.NoError(t, err)
	store := NewKVStore(tc.Client.NewKVStore(bucket))

	require.NoError(t, store.Put(ctx, Device{Address: "24:6F:28:C4:76:98", Kind: KindStream, TargetState: StateConnected}))

	got, err := store.Get(ctx, "24:6f:28:c4:76:98")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, got.TargetState)

	got, err = store.Update(ctx, got.Address, func(d *Device) error {
		d.ActualState = StateConnected
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, got.TargetState)
	assert.Equal(t, StateConnected, got.ActualState)

	_, err = store.Update(ctx, "11:22:33:44:55:66", func(*Device) error { return nil })
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, got.Address))
	_, err = store.Get(ctx, got.Address)
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}
