package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/sensorlink/auth"
	"github.com/c360/sensorlink/config"
	"github.com/c360/sensorlink/device"
	"github.com/c360/sensorlink/discovery"
	gatewayhttp "github.com/c360/sensorlink/gateway/http"
	"github.com/c360/sensorlink/health"
	"github.com/c360/sensorlink/inventory"
	"github.com/c360/sensorlink/metric"
	"github.com/c360/sensorlink/natsclient"
	"github.com/c360/sensorlink/pkg/tlsutil"
	"github.com/c360/sensorlink/storage/framestore"
	"github.com/c360/sensorlink/tracking"
	"github.com/c360/sensorlink/transport/bluez"
	"github.com/c360/sensorlink/transport/rfcomm"
	"github.com/c360/sensorlink/uplink"
)

const healthInterval = 15 * time.Second

// Component lifecycle values recorded in sensorlink_component_status
const (
	statusStopped  = 0
	statusStarting = 1
	statusRunning  = 2
	statusStopping = 3
	statusFailed   = 4
)

// relay holds every long-lived component of the process
type relay struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor
	natsTLS  *tls.Config

	inventory inventory.Store
	frames    framestore.Store
	scheduler *discovery.Scheduler
	devices   *device.Manager
	uplink    *uplink.Manager
	tracking  *tracking.Session
	server    *gatewayhttp.Server

	// closers release stores and clients in reverse order
	closers []func(context.Context) error
}

// newRelay builds every component from cfg. Nothing runs until run.
func newRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*relay, error) {
	r := &relay{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
	}

	if err := r.build(ctx); err != nil {
		r.close(context.Background())
		return nil, err
	}
	return r, nil
}

func (r *relay) build(ctx context.Context) error {
	cfg := r.cfg

	var err error
	r.natsTLS, err = tlsutil.LoadClientTLSConfig(cfg.NATS.TLS)
	if err != nil {
		return fmt.Errorf("load NATS TLS: %w", err)
	}

	store, err := r.openInventory(ctx)
	if err != nil {
		return err
	}
	r.inventory = store

	if cfg.Inventory.SeedFile != "" {
		n, err := inventory.LoadSeedFile(ctx, store, cfg.Inventory.SeedFile)
		if err != nil {
			return fmt.Errorf("seed inventory: %w", err)
		}
		r.logger.Info("inventory seeded", "added", n, "file", cfg.Inventory.SeedFile)
	}

	if err := r.openFrames(ctx); err != nil {
		return err
	}

	adapter, err := bluez.Open(cfg.Discovery.Adapter, r.logger)
	if err != nil {
		return fmt.Errorf("open bluetooth adapter: %w", err)
	}

	r.scheduler, err = discovery.New(adapter, cfg.DiscoveryOptions(),
		discovery.WithLogger(r.logger), discovery.WithMetrics(r.registry))
	if err != nil {
		return fmt.Errorf("create discovery scheduler: %w", err)
	}

	notify := bluez.DefaultNotifyConfig()
	if cfg.Devices.NotifyCharacteristic != "" {
		notify.Characteristic = cfg.Devices.NotifyCharacteristic
	}
	if d := cfg.Devices.ConnectTimeout.Std(); d > 0 {
		notify.ConnectTimeout = d
	}
	transports := device.Transports{
		inventory.KindStream: rfcomm.NewTransport(rfcomm.Config{
			Channel:        uint8(cfg.Devices.RFCOMMChannel),
			ConnectTimeout: cfg.Devices.ConnectTimeout.Std(),
		}, r.logger),
		inventory.KindNotification: bluez.NewNotifyTransport(adapter, notify),
	}

	r.devices, err = device.NewManager(store, r.scheduler, transports, cfg.DeviceOptions(),
		device.WithManagerLogger(r.logger), device.WithRegistry(r.registry))
	if err != nil {
		return fmt.Errorf("create device manager: %w", err)
	}

	static, err := auth.NewStaticProvider(cfg.Auth.Username, cfg.Auth.Token)
	if err != nil {
		return fmt.Errorf("create token provider: %w", err)
	}
	tokens := auth.NewBreakerProvider(static, cfg.BreakerOptions(), r.logger)

	broker := uplink.NewNATSBroker(cfg.BrokerOptions(), r.logger,
		natsclient.WithName(appName+"-"+cfg.Platform.ID),
		natsclient.WithMetrics(r.registry),
		natsclient.WithTLSConfig(r.natsTLS))

	r.uplink, err = uplink.NewManager(broker, tokens, r.frames, cfg.UplinkOptions(),
		uplink.WithLogger(r.logger), uplink.WithMetrics(r.registry))
	if err != nil {
		return fmt.Errorf("create uplink: %w", err)
	}

	r.tracking, err = tracking.New(r.uplink, cfg.TrackingOptions(),
		tracking.WithLogger(r.logger),
		tracking.WithMetrics(r.registry),
		tracking.WithConnectedCounter(func() int {
			return r.devices.Counts()[device.StateConnected]
		}))
	if err != nil {
		return fmt.Errorf("create tracking session: %w", err)
	}

	r.registerProbes()

	r.server, err = gatewayhttp.NewServer(cfg.HTTPOptions(), gatewayhttp.Deps{
		Devices:  r.devices,
		Uplink:   r.uplink,
		Tracking: r.tracking,
		Health: func(ctx context.Context) health.Status {
			r.monitor.Refresh(ctx)
			return r.monitor.AggregateHealth(appName)
		},
		Metrics: r.registry.Handler(),
	}, r.logger)
	if err != nil {
		return fmt.Errorf("create operator API: %w", err)
	}
	return nil
}

// openInventory opens the configured backend. Remote backends get an LRU
// cache in front.
func (r *relay) openInventory(ctx context.Context) (inventory.Store, error) {
	inv := r.cfg.Inventory

	var backing inventory.Store
	switch inv.Backend {
	case config.InventorySQLite:
		st, err := inventory.OpenSQLite(ctx, inv.Path, r.logger)
		if err != nil {
			return nil, fmt.Errorf("open inventory: %w", err)
		}
		r.closers = append(r.closers, func(context.Context) error { return st.Close() })
		backing = st

	case config.InventoryKV:
		client, err := r.connectNATS(ctx, "inventory")
		if err != nil {
			return nil, err
		}
		bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      inv.Bucket,
			Description: "sensorlink device inventory",
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("open inventory bucket %s: %w", inv.Bucket, err)
		}
		backing = inventory.NewKVStore(client.NewKVStore(bucket))

	default:
		return inventory.NewMemoryStore(), nil
	}

	cached, err := inventory.NewCachedStore(backing, inv.CacheSize, inv.CacheTTL.Std())
	if err != nil {
		return nil, fmt.Errorf("create inventory cache: %w", err)
	}
	return cached, nil
}

// connectNATS opens a long-lived client for purpose, separate from the
// uplink broker connection
func (r *relay) connectNATS(ctx context.Context, purpose string) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(r.logger),
		natsclient.WithName(appName + "-" + purpose),
		natsclient.WithTLSConfig(r.natsTLS),
	}
	if r.cfg.Auth.Token != "" {
		opts = append(opts, natsclient.WithToken(r.cfg.Auth.Token))
	}

	client, err := natsclient.NewClient(r.cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	r.closers = append(r.closers, client.Close)

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

func (r *relay) openFrames(ctx context.Context) error {
	if r.cfg.Storage.FramePath == "" {
		r.logger.Warn("frame store is in memory; unacknowledged frames are lost on restart")
		r.frames = framestore.NewMemoryStore()
		return nil
	}
	st, err := framestore.OpenSQLite(ctx, r.cfg.Storage.FramePath, r.logger)
	if err != nil {
		return fmt.Errorf("open frame store: %w", err)
	}
	r.closers = append(r.closers, func(context.Context) error { return st.Close() })
	r.frames = st
	return nil
}

func (r *relay) registerProbes() {
	r.monitor.Register("devices", func(context.Context) health.Status {
		counts := r.devices.Counts()
		total := 0
		for _, n := range counts {
			total += n
		}
		return health.FromDeviceCounts("devices", counts[device.StateConnected], total)
	})
	r.monitor.Register("uplink", func(ctx context.Context) health.Status {
		pending, err := r.uplink.Pending(ctx)
		if err != nil {
			return health.FromError("uplink", err)
		}
		return health.FromUplinkState("uplink", r.uplink.State().String(), pending, r.uplink.Err())
	})
	r.monitor.Register("inventory", func(ctx context.Context) health.Status {
		if _, err := r.inventory.List(ctx); err != nil {
			return health.FromError("inventory", err)
		}
		return health.NewHealthy("inventory", "reachable")
	})
	r.monitor.Register("http", func(context.Context) health.Status {
		return r.server.Health()
	})
}

// run starts every component and blocks until ctx is done or one of them
// fails, then shuts down within shutdownTimeout
func (r *relay) run(ctx context.Context, shutdownTimeout time.Duration) error {
	core := r.registry.CoreMetrics()
	g, gctx := errgroup.WithContext(ctx)

	component := func(name string, fn func(context.Context) error) {
		core.RecordComponentStatus(name, statusStarting)
		g.Go(func() error {
			core.RecordComponentStatus(name, statusRunning)
			err := fn(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				core.RecordComponentStatus(name, statusFailed)
				core.RecordError(name, "fatal")
				r.logger.Error("component failed", "component", name, "error", err)
				return fmt.Errorf("%s: %w", name, err)
			}
			core.RecordComponentStatus(name, statusStopped)
			return nil
		})
	}

	component("discovery", r.scheduler.Run)
	component("devices", r.devices.Run)
	component("tracking", func(ctx context.Context) error {
		return r.tracking.Run(ctx, r.devices.Measurements())
	})
	component("uplink", r.connectUplink)
	component("http", r.server.Run)
	component("health", r.watchHealth)

	if r.cfg.Tracking.AutoStart {
		if id, err := r.tracking.Start(); err != nil {
			r.logger.Warn("tracking auto-start failed", "error", err)
		} else {
			r.logger.Info("tracking auto-started", "session", id)
		}
	}

	r.logger.Info("sensorlink started")
	err := g.Wait()

	r.logger.Info("shutting down", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	r.close(shutdownCtx)

	if err != nil {
		return err
	}
	r.logger.Info("sensorlink shutdown complete")
	return nil
}

// connectUplink connects once at startup. The uplink reconnects on its own
// after a connection loss; a failed startup connect leaves it degraded
// rather than stopping the relay.
func (r *relay) connectUplink(ctx context.Context) error {
	if err := r.uplink.ConnectWithRetry(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("uplink connect gave up", "error", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

// watchHealth refreshes probes and mirrors each level into the core
// health gauge
func (r *relay) watchHealth(ctx context.Context) error {
	core := r.registry.CoreMetrics()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		r.monitor.Refresh(ctx)
		for name, st := range r.monitor.GetAll() {
			core.RecordHealth(name, healthLevel(st))
		}
		core.RecordNATSStatus(r.uplink.State() == uplink.StateConnected)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func healthLevel(st health.Status) int {
	switch {
	case st.IsHealthy():
		return 2
	case st.IsDegraded():
		return 1
	default:
		return 0
	}
}

// close releases the uplink, then stores and clients in reverse order
func (r *relay) close(ctx context.Context) {
	if r.uplink != nil {
		r.registry.CoreMetrics().RecordComponentStatus("uplink", statusStopping)
		if err := r.uplink.Close(ctx); err != nil {
			r.logger.Warn("uplink close failed", "error", err)
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			r.logger.Warn("close failed", "error", err)
		}
	}
	r.closers = nil
}
