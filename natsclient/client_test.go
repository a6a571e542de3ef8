package natsclient

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/metric"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Nil(t, client.GetConnection())
}

func TestNewClient_InvalidOption(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithTimeout(0))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestBuildConnectionOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithToken("secret"),
		WithCredentials("user", "pass"),
		WithName("sensorlink-test"),
		WithMaxReconnects(0),
	)
	require.NoError(t, err)

	// base handlers + user info + token + name
	assert.Len(t, client.buildConnectionOptions(), 12)

	secure, err := NewClient("tls://broker:4222", WithTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	require.NoError(t, err)
	assert.Len(t, secure.buildConnectionOptions(), 10, "base handlers + secure")
}

func TestOperationsRequireConnection(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.JetStream()
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	_, err = client.PublishToStream(ctx, "a.b", []byte("x"), "id")
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	_, err = client.RTT()
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestConnect_Unreachable(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1", WithTimeout(200*time.Millisecond), WithMaxReconnects(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.NoError(t, client.Close(context.Background()))
	assert.NoError(t, client.Close(context.Background()))

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestWithMetrics_RecordsStatus(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	client, err := NewClient("nats://localhost:4222", WithMetrics(registry))
	require.NoError(t, err)

	client.setStatus(StatusConnected)
	assert.True(t, client.IsHealthy())
	client.setStatus(StatusReconnecting)
	assert.False(t, client.IsHealthy())
}

func TestIsKVNotFoundError(t *testing.T) {
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, errors.Is(ErrKVKeyNotFound, errors.ErrKeyNotFound))
	assert.True(t, IsKVNotFoundError(errors.New("nats: key not found")))
	assert.False(t, IsKVNotFoundError(errors.New("boom")))
}

func TestWaitForConnection_Timeout(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, client.WaitForConnection(ctx))
}
