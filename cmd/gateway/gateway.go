package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/admission"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/bridge"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/config"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/credential"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/filter"
	gatewayhttp "github.com/andrewcho-dev/opsconductor-pulse-sub002/gateway/http"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/health"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/ingest"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/metric"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/natsclient"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/pkg/tlsutil"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/sink"
)

// streamSubjects are retained by the JetStream stream when one is configured.
var streamSubjects = []string{"telemetry.>", "shadow.>", "commands.>", "routes.>", "ingest.errors.>"}

const (
	connectTimeout   = 10 * time.Second
	topicMatcherSize = 1024
)

// gateway owns every long-lived component of the process.
type gateway struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry

	nats *natsclient.Client
	// publisher is nats, or its JetStream view once the stream exists.
	publisher natsclient.Publisher
	batcher   *sink.Batcher
	bridge    *bridge.Bridge
	server    *gatewayhttp.Server
	metrics   *metric.Server
	monitor   *health.Monitor
	closers   []func()
	pipeline  *ingest.Pipeline
}

// newGateway connects to the bus and the backing stores and wires the
// pipeline, bridge and HTTP server. Nothing is serving yet.
func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *gateway, err error) {
	gw := &gateway{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(2 * time.Second),
	}
	defer func() {
		if err != nil {
			gw.closeAll()
		}
	}()

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := gw.connectNATS(connCtx); err != nil {
		return nil, err
	}

	store, err := gw.openCredentialStore(connCtx)
	if err != nil {
		return nil, err
	}
	store = credential.NewTimeoutStore(store, cfg.Credential.LookupTimeout, cfg.Credential.LookupAttempts, logger)

	cache, err := credential.NewCache(cfg.Credential.CacheTTL, cfg.Credential.CacheMaxSize,
		credential.WithCacheMetrics(gw.registry))
	if err != nil {
		return nil, fmt.Errorf("create credential cache: %w", err)
	}

	ctrl, err := admission.New(cfg.Limits, admission.WithMetrics(gw.registry))
	if err != nil {
		return nil, fmt.Errorf("create admission controller: %w", err)
	}

	writer, err := gw.openSinkWriter(connCtx)
	if err != nil {
		return nil, err
	}
	gw.batcher, err = sink.NewBatcher(cfg.Sink.Batcher, writer, gw.registry, logger)
	if err != nil {
		return nil, fmt.Errorf("create sink batcher: %w", err)
	}

	gw.pipeline = ingest.NewPipeline(cfg.Ingest, cache, store, ctrl, gw.batcher,
		ingest.WithPublisher(gw.publisher),
		ingest.WithMetrics(gw.registry.CoreMetrics()),
		ingest.WithLogger(logger))

	if cfg.MQTT.Enabled {
		if err := gw.createBridge(); err != nil {
			return nil, err
		}
	}

	if err := gw.createServers(ctrl, cache); err != nil {
		return nil, err
	}
	gw.registerProbes()
	return gw, nil
}

func (gw *gateway) connectNATS(ctx context.Context) error {
	nc := gw.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(gw.logger),
		natsclient.WithMetrics(gw.registry),
		natsclient.WithName(nc.Name),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithReconnectWait(nc.ReconnectWait),
		natsclient.WithPingInterval(nc.PingInterval),
		natsclient.WithDrainTimeout(nc.DrainTimeout),
	}
	if nc.TLS {
		tlsConfig, err := tlsutil.LoadClientConfig(nc.ClientTLS)
		if err != nil {
			return fmt.Errorf("load NATS TLS config: %w", err)
		}
		opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}

	client, err := natsclient.NewClient(nc.URL, opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	gw.nats = client
	gw.publisher = client

	if nc.Stream != "" {
		// Core publishing still works without JetStream, only retention is lost.
		if _, err := client.EnsureStream(ctx, nc.Stream, streamSubjects); err != nil {
			gw.logger.Warn("JetStream stream unavailable", "stream", nc.Stream, "error", err)
		} else {
			gw.publisher = client.StreamPublisher()
			gw.logger.Info("Publishing through JetStream", "stream", nc.Stream)
		}
	}
	return nil
}

func (gw *gateway) openCredentialStore(ctx context.Context) (credential.Store, error) {
	cc := gw.cfg.Credential
	switch cc.Backend {
	case config.CredentialPostgres:
		pool, err := credential.OpenPostgres(ctx, cc.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open credential database: %w", err)
		}
		gw.closers = append(gw.closers, pool.Close)
		return credential.NewPostgresStore(pool), nil
	case config.CredentialDynamoDB:
		store, err := credential.NewDynamoStore(ctx, cc.DynamoDBTable)
		if err != nil {
			return nil, fmt.Errorf("open credential table: %w", err)
		}
		return store, nil
	case config.CredentialFile:
		store, err := credential.LoadFileStore(cc.FilePath)
		if err != nil {
			return nil, fmt.Errorf("load credential file: %w", err)
		}
		gw.logger.Info("Loaded credential file", "path", cc.FilePath, "devices", store.Len())
		return store, nil
	default:
		return nil, fmt.Errorf("unknown credential backend %q", cc.Backend)
	}
}

func (gw *gateway) openSinkWriter(ctx context.Context) (sink.Writer, error) {
	sc := gw.cfg.Sink
	switch sc.Backend {
	case config.SinkInflux:
		w, err := sink.NewInfluxWriter(sc.Influx, nil)
		if err != nil {
			return nil, fmt.Errorf("create influx writer: %w", err)
		}
		return w, nil
	case config.SinkClickHouse:
		conn, err := sink.OpenClickHouse(ctx, sc.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("open clickhouse: %w", err)
		}
		gw.closers = append(gw.closers, func() { _ = conn.Close() })
		return sink.NewClickHouseWriter(conn), nil
	default:
		return sink.LogWriter{Logger: gw.logger}, nil
	}
}

func (gw *gateway) createBridge() error {
	opts := []bridge.Option{
		bridge.WithLogger(gw.logger),
		bridge.WithMetrics(gw.registry),
	}
	if gw.cfg.MQTT.TLS {
		tlsConfig, err := tlsutil.LoadClientConfig(gw.cfg.MQTT.ClientTLS)
		if err != nil {
			return fmt.Errorf("load MQTT TLS config: %w", err)
		}
		opts = append(opts, bridge.WithTLSConfig(tlsConfig))
	}
	if len(gw.cfg.MQTT.Routes) > 0 {
		matcher, err := filter.NewMatcher(topicMatcherSize, gw.registry)
		if err != nil {
			return fmt.Errorf("create topic matcher: %w", err)
		}
		opts = append(opts, bridge.WithMatcher(matcher))
	}

	b, err := bridge.New(gw.cfg.MQTT.Config, gw.publisher, opts...)
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	gw.bridge = b
	return nil
}

func (gw *gateway) createServers(ctrl *admission.Controller, cache *credential.Cache) error {
	deps := gatewayhttp.Deps{
		Pipeline:  gw.pipeline,
		Admission: ctrl,
		Cache:     cache,
		Health:    gw.monitor.Handler(appName),
		Logger:    gw.logger,
	}
	if mc := gw.cfg.Metrics; mc.Enabled {
		if mc.Port == 0 {
			deps.Metrics = metric.Handler(gw.registry)
		} else {
			gw.metrics = metric.NewServer(mc.Port, mc.Path, gw.registry)
		}
	}

	tlsConfig, err := tlsutil.LoadServerConfig(gw.cfg.HTTP.TLS)
	if err != nil {
		return fmt.Errorf("load HTTP TLS config: %w", err)
	}
	gw.server = gatewayhttp.NewServer(gw.cfg.HTTP.ServerConfig, gatewayhttp.NewRouter(deps), tlsConfig, gw.logger)
	return nil
}

func (gw *gateway) registerProbes() {
	gw.monitor.Register("nats", natsProbe(gw.nats))
	gw.monitor.Register("sink", newSinkProbe(gw.batcher, gw.cfg.Sink.Backend).check)
	if gw.bridge != nil {
		gw.monitor.Register("mqtt_bridge", bridgeProbe(gw.bridge, gw.cfg.MQTT.BrokerURL()))
	}
}

// run serves until ctx is done or a component fails, then shuts down.
func (gw *gateway) run(ctx context.Context, shutdownTimeout time.Duration) error {
	// The batcher keeps flushing while the listeners drain.
	if err := gw.batcher.Start(context.WithoutCancel(ctx)); err != nil {
		gw.closeAll()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(gw.server.ListenAndServe)
	if gw.bridge != nil {
		g.Go(func() error { return gw.bridge.Run(gctx) })
	}
	if gw.metrics != nil {
		g.Go(gw.metrics.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		return gw.shutdown(shutdownTimeout)
	})

	err := g.Wait()
	gw.logger.Info("Gateway stopped")
	return err
}

// shutdown stops intake first, then flushes and closes the outputs.
func (gw *gateway) shutdown(timeout time.Duration) error {
	gw.logger.Info("Shutting down", "timeout", timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := gw.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if gw.bridge != nil {
		if err := gw.bridge.Stop(remaining(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := gw.batcher.Stop(remaining(ctx)); err != nil {
		errs = append(errs, err)
	}
	if gw.metrics != nil {
		if err := gw.metrics.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	gw.closeAll()
	return stderrors.Join(errs...)
}

// closeAll releases the bus connection and backend handles.
func (gw *gateway) closeAll() {
	if gw.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gw.cfg.NATS.DrainTimeout+time.Second)
		defer cancel()
		if err := gw.nats.Close(ctx); err != nil {
			gw.logger.Warn("NATS close failed", "error", err)
		}
	}
	for i := len(gw.closers) - 1; i >= 0; i-- {
		gw.closers[i]()
	}
	gw.closers = nil
}

// remaining is the time left before ctx expires, at least a moment so a
// late stage still gets one attempt.
func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return time.Second
	}
	return max(time.Until(deadline), 100*time.Millisecond)
}
