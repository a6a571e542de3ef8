//go:build integration

package uplink

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorlink/auth"
	"github.com/c360/sensorlink/natsclient"
	"github.com/c360/sensorlink/storage/framestore"
)

func TestIntegration_NATSUplinkReplaysAndDeduplicates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	broker := NewNATSBroker(NATSConfig{
		URL:             tc.URL,
		Stream:          "TELEMETRY",
		Subjects:        []string{"sensorlink.*.telemetry"},
		DuplicateWindow: time.Minute,
	}, nil)

	frames := framestore.NewMemoryStore()
	ids := framestore.NewIDGenerator()
	stale := framestore.NewFrame(ids.Next(), "sensorlink.alice.telemetry", []byte(`{"type":"heartbeat"}`))
	require.NoError(t, frames.Put(ctx, stale))

	tokens, err := auth.NewStaticProvider("alice", "")
	require.NoError(t, err)
	m, err := NewManager(broker, tokens, frames, DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = m.Close(context.Background()) }()

	require.NoError(t, m.ConnectWithRetry(ctx))
	assert.Equal(t, StateConnected, m.State())

	// the same frame a second time is a broker-side duplicate
	require.NoError(t, frames.Put(ctx, stale))
	require.NoError(t, m.ConnectWithRetry(ctx))

	m.Publish(measurementEnv(1))
	require.Eventually(t, func() bool {
		n, err := m.Pending(ctx)
		return err == nil && n == 0 && m.QueueStats().Processed == 1
	}, 10*time.Second, 10*time.Millisecond)

	js, err := tc.Client.JetStream()
	require.NoError(t, err)
	stream, err := js.Stream(ctx, "TELEMETRY")
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)

	consumer, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{})
	require.NoError(t, err)
	batch, err := consumer.FetchNoWait(2)
	require.NoError(t, err)
	var got []string
	for msg := range batch.Messages() {
		got = append(got, msg.Headers().Get(jetstream.MsgIDHeader))
	}
	require.Len(t, got, 2)
	assert.Equal(t, stale.ID, got[0])
}
