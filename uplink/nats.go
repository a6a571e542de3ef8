package uplink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/sensorlink/auth"
	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/natsclient"
)

// NATSConfig describes the JetStream stream the uplink publishes into
type NATSConfig struct {
	URL string `json:"url"`
	// Stream is created or updated on every connect when set
	Stream string `json:"stream"`
	// Subjects bound to Stream, for example "sensorlink.*.telemetry"
	Subjects []string `json:"subjects"`
	// DuplicateWindow is the server-side Nats-Msg-Id dedupe window
	DuplicateWindow time.Duration `json:"duplicate_window"`
	MaxAge          time.Duration `json:"max_age"`
}

// NATSBroker publishes through a fresh natsclient.Client per connect. The
// client never reconnects on its own; the uplink owns reconnection.
type NATSBroker struct {
	cfg    NATSConfig
	opts   []natsclient.ClientOption
	logger *slog.Logger

	mu     sync.Mutex
	client *natsclient.Client
}

// NewNATSBroker creates a broker for cfg. opts are applied to every client
// after the token and reconnect settings.
func NewNATSBroker(cfg NATSConfig, logger *slog.Logger, opts ...natsclient.ClientOption) *NATSBroker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 2 * time.Minute
	}
	return &NATSBroker{cfg: cfg, opts: opts, logger: logger.With("component", "uplink-nats")}
}

// Connect replaces any current client with one authenticated by token
func (b *NATSBroker) Connect(ctx context.Context, token auth.Token, onLost func(error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		_ = b.client.Close(ctx)
		b.client = nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(b.logger),
		natsclient.WithMaxReconnects(0),
		natsclient.WithName("sensorlink-uplink"),
	}
	if token.Value != "" {
		opts = append(opts, natsclient.WithToken(token.Value))
	}
	if onLost != nil {
		opts = append(opts, natsclient.WithConnectionLostCallback(onLost))
	}
	opts = append(opts, b.opts...)

	client, err := natsclient.NewClient(b.cfg.URL, opts...)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}

	if b.cfg.Stream != "" {
		_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
			Name:       b.cfg.Stream,
			Subjects:   b.cfg.Subjects,
			Storage:    jetstream.FileStorage,
			Duplicates: b.cfg.DuplicateWindow,
			MaxAge:     b.cfg.MaxAge,
		})
		if err != nil {
			_ = client.Close(ctx)
			return err
		}
	}

	b.client = client
	return nil
}

// Publish sends data with msgID as Nats-Msg-Id and waits for the stream ack
func (b *NATSBroker) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if client == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "NATSBroker", "Publish", "client check")
	}
	ack, err := client.PublishToStream(ctx, subject, data, msgID)
	if err != nil {
		return err
	}
	if ack.Duplicate {
		b.logger.Debug("broker deduplicated frame", "frame", msgID, "stream", ack.Stream)
	}
	return nil
}

// Close closes the current client. A broker without a client is a no-op.
func (b *NATSBroker) Close(ctx context.Context) error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close(ctx)
}

// Connected reports whether the current client is connected
func (b *NATSBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil && b.client.IsHealthy()
}
