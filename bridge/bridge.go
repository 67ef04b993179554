// Package bridge republishes device traffic from the MQTT broker onto the
// NATS bus.
//
// Two execution domains meet here. Paho invokes message callbacks on its own
// goroutines; those callbacks only parse the topic and hand an Envelope to a
// worker pool. Only pool workers call the bus publisher, so the pool queue is
// the single hand-off between the broker side and the rest of the gateway.
package bridge

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/filter"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/metric"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/natsclient"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/pkg/retry"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/pkg/worker"
)

// DefaultTopicFilter covers every device subtopic of every tenant.
const DefaultTopicFilter = "tenant/+/device/+/#"

// State is the bridge connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// Route republishes envelopes whose topic matches Topic and whose payload
// satisfies Where to routes.<Name>.<tenant>.
type Route struct {
	Name  string      `json:"name" yaml:"name"`
	Topic string      `json:"topic" yaml:"topic"`
	Where filter.Spec `json:"where,omitempty" yaml:"where,omitempty"`
}

// Config holds broker connection and hand-off settings.
type Config struct {
	Host              string        `json:"host" yaml:"host"`
	Port              int           `json:"port" yaml:"port"`
	Username          string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password          string        `json:"password,omitempty" yaml:"password,omitempty"`
	ClientID          string        `json:"client_id" yaml:"client_id"`
	TLS               bool          `json:"tls" yaml:"tls"`
	TopicFilter       string        `json:"topic_filter" yaml:"topic_filter"`
	QoS               byte          `json:"qos" yaml:"qos"`
	ConnectTimeout    time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	SubscribeTimeout  time.Duration `json:"subscribe_timeout" yaml:"subscribe_timeout"`
	ReconnectInterval time.Duration `json:"reconnect_interval" yaml:"reconnect_interval"`
	KeepAlive         time.Duration `json:"keep_alive" yaml:"keep_alive"`
	Workers           int           `json:"workers" yaml:"workers"`
	QueueSize         int           `json:"queue_size" yaml:"queue_size"`
	Routes            []Route       `json:"routes,omitempty" yaml:"routes,omitempty"`
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              1883,
		ClientID:          "pulse-ingest-bridge",
		TopicFilter:       DefaultTopicFilter,
		QoS:               1,
		ConnectTimeout:    10 * time.Second,
		SubscribeTimeout:  10 * time.Second,
		ReconnectInterval: 5 * time.Second,
		KeepAlive:         60 * time.Second,
		Workers:           4,
		QueueSize:         10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.ClientID == "" {
		c.ClientID = d.ClientID
	}
	if c.TopicFilter == "" {
		c.TopicFilter = d.TopicFilter
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = d.SubscribeTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// BrokerURL returns the paho broker address.
func (c Config) BrokerURL() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Port < 1 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: mqtt port %d", errors.ErrInvalidConfig, c.Port),
			"Bridge", "Validate", "check port")
	}
	if c.QoS > 2 {
		return errors.WrapInvalid(fmt.Errorf("%w: mqtt qos %d", errors.ErrInvalidConfig, c.QoS),
			"Bridge", "Validate", "check qos")
	}
	for _, r := range c.Routes {
		if r.Name == "" || r.Topic == "" {
			return errors.WrapInvalid(fmt.Errorf("%w: route needs name and topic", errors.ErrInvalidConfig),
				"Bridge", "Validate", "check routes")
		}
	}
	return nil
}

// Client is the subset of mqtt.Client the bridge drives.
type Client interface {
	Connect() mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// ClientFactory builds a broker client for one connection attempt.
type ClientFactory func(opts *mqtt.ClientOptions) Client

func pahoClient(opts *mqtt.ClientOptions) Client {
	return mqtt.NewClient(opts)
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	State         string           `json:"state"`
	Received      int64            `json:"received"`
	Dropped       int64            `json:"dropped"`
	Published     int64            `json:"published"`
	PublishErrors int64            `json:"publish_errors"`
	Routed        int64            `json:"routed"`
	Pool          worker.PoolStats `json:"pool"`
}

// Bridge owns the broker connection and its reconnect loop.
type Bridge struct {
	cfg       Config
	publisher natsclient.Publisher
	pool      *worker.Pool[Envelope]
	matcher   *filter.Matcher
	newClient ClientFactory
	tlsConfig *tls.Config
	registry  *metric.MetricsRegistry
	metrics   *metric.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	client   Client
	stopping bool
	stopCh   chan struct{}

	state  atomic.Int32
	closed atomic.Bool

	received      atomic.Int64
	dropped       atomic.Int64
	published     atomic.Int64
	publishErrors atomic.Int64
	routed        atomic.Int64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(b *Bridge) { b.newClient = f }
}

// WithTLSConfig sets the TLS configuration used when Config.TLS is true.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(b *Bridge) { b.tlsConfig = cfg }
}

// WithMetrics exports bridge state and pool metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(b *Bridge) { b.registry = registry }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithMatcher shares a topic matcher for route evaluation.
func WithMatcher(m *filter.Matcher) Option {
	return func(b *Bridge) { b.matcher = m }
}

// WithClock overrides the arrival time source.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// New creates a bridge publishing through publisher.
func New(cfg Config, publisher natsclient.Publisher, opts ...Option) (*Bridge, error) {
	if publisher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Bridge", "New", "check publisher")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:       cfg,
		publisher: publisher,
		newClient: pahoClient,
		logger:    slog.Default(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge")
	if b.registry != nil {
		b.metrics = b.registry.CoreMetrics()
	}
	if b.matcher == nil {
		m, err := filter.NewMatcher(filter.DefaultCacheSize, nil)
		if err != nil {
			return nil, err
		}
		b.matcher = m
	}

	var poolOpts []worker.Option[Envelope]
	if b.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[Envelope](b.registry))
	}
	pool, err := worker.NewPool("bridge", cfg.Workers, cfg.QueueSize, b.process, poolOpts...)
	if err != nil {
		return nil, err
	}
	b.pool = pool
	return b, nil
}

// State returns the current connection state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	prev := State(b.state.Swap(int32(s)))
	b.metrics.RecordBridgeState(int(s))
	if prev != s {
		b.logger.Info("Bridge state changed", "from", prev.String(), "to", s.String())
	}
}

// Run connects, subscribes and reconnects on a fixed interval until ctx is
// done or Stop is called. Broker failures are logged, never returned.
func (b *Bridge) Run(ctx context.Context) error {
	// Workers outlive ctx so Stop can drain what was already queued.
	if err := b.pool.Start(context.WithoutCancel(ctx)); err != nil {
		return errors.WrapFatal(err, "Bridge", "Run", "start worker pool")
	}

	for {
		if ctx.Err() != nil || b.closed.Load() {
			b.setState(StateDisconnected)
			return nil
		}

		if err := b.session(ctx); err != nil {
			b.metrics.RecordError("bridge", errors.Classify(err).String())
			b.logger.Warn("Broker session ended", "broker", b.cfg.BrokerURL(), "error", err)
		}
		if b.closed.Load() {
			return nil
		}
		b.setState(StateDisconnected)

		select {
		case <-b.stopCh:
			return nil
		default:
		}
		if err := retry.Sleep(ctx, b.cfg.ReconnectInterval); err != nil {
			b.setState(StateDisconnected)
			return nil
		}
	}
}

// session runs one connect/subscribe cycle and blocks until the connection
// is lost, ctx is done or Stop is called. In the last two cases the client is
// left for Stop to unsubscribe and disconnect.
func (b *Bridge) session(ctx context.Context) error {
	b.setState(StateConnecting)

	lost := make(chan error, 1)
	client := b.newClient(b.clientOptions(lost))

	token := client.Connect()
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		client.Disconnect(0)
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Bridge", "session", "connect")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "Bridge", "session", "connect")
	}

	if !b.adopt(client) {
		client.Disconnect(250)
		return nil
	}

	token = client.Subscribe(b.cfg.TopicFilter, b.cfg.QoS, b.handleMessage)
	if !token.WaitTimeout(b.cfg.SubscribeTimeout) {
		b.release(client)
		return errors.WrapTransient(errors.ErrSubscriptionFailed, "Bridge", "session", "subscribe timeout")
	}
	if err := token.Error(); err != nil {
		b.release(client)
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"Bridge", "session", "subscribe")
	}

	b.setState(StateSubscribed)
	b.logger.Info("Subscribed to broker", "broker", b.cfg.BrokerURL(), "filter", b.cfg.TopicFilter)

	select {
	case err := <-lost:
		b.release(client)
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"Bridge", "session", "receive")
	case <-ctx.Done():
		return nil
	case <-b.stopCh:
		return nil
	}
}

// adopt records client as current unless the bridge is stopping.
func (b *Bridge) adopt(client Client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		return false
	}
	b.client = client
	return true
}

// release disconnects client if it is still the current one.
func (b *Bridge) release(client Client) {
	b.mu.Lock()
	owned := b.client == client
	if owned {
		b.client = nil
	}
	b.mu.Unlock()
	if owned {
		client.Disconnect(250)
	}
}

func (b *Bridge) clientOptions(lost chan<- error) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.BrokerURL())
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	if b.cfg.TLS && b.tlsConfig != nil {
		opts.SetTLSConfig(b.tlsConfig)
	}
	opts.SetKeepAlive(b.cfg.KeepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(b.cfg.ConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})
	return opts
}

// handleMessage runs on paho goroutines and must not block.
func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	if b.closed.Load() {
		return
	}
	tenant, device, subtype, ok := ParseTopic(msg.Topic())
	if !ok {
		return
	}

	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	env := Envelope{
		Topic:     msg.Topic(),
		TenantID:  tenant,
		DeviceID:  device,
		MsgType:   subtype,
		Payload:   payload,
		ArrivalMS: b.now().UnixMilli(),
	}

	b.received.Add(1)
	b.metrics.RecordMessageReceived("mqtt", subtype)
	if err := b.pool.Submit(env); err != nil {
		b.dropped.Add(1)
		b.metrics.RecordMessageProcessed("mqtt", "dropped")
		b.logger.Warn("Dropping broker message", "topic", env.Topic, "error", err)
	}
}

// process runs on pool workers.
func (b *Bridge) process(ctx context.Context, env Envelope) error {
	data, err := env.MarshalJSON()
	if err != nil {
		return errors.WrapInvalid(err, "Bridge", "process", "marshal envelope")
	}

	subject := SubjectFor(env.MsgType, env.TenantID)
	if err := b.publish(ctx, subject, data); err != nil {
		return err
	}

	var payload map[string]any
	for _, route := range b.cfg.Routes {
		if !b.matcher.TopicMatches(route.Topic, env.Topic) {
			continue
		}
		if len(route.Where) > 0 {
			if payload == nil {
				payload = env.decodedPayload()
			}
			if payload == nil || !filter.MatchesPayload(route.Where, payload) {
				continue
			}
		}
		if err := b.publish(ctx, "routes."+route.Name+"."+env.TenantID, data); err == nil {
			b.routed.Add(1)
		}
	}
	return nil
}

func (b *Bridge) publish(ctx context.Context, subject string, data []byte) error {
	if err := b.publisher.Publish(ctx, subject, data); err != nil {
		b.publishErrors.Add(1)
		b.metrics.RecordError("bridge", "publish")
		b.logger.Error("Bus publish failed", "subject", subject, "error", err)
		return errors.WrapTransient(err, "Bridge", "publish", "publish envelope")
	}
	b.published.Add(1)
	return nil
}

// Stop stops accepting broker messages, unsubscribes, disconnects and then
// drains the hand-off queue. The caller closes the bus afterwards.
func (b *Bridge) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return nil
	}
	b.stopping = true
	b.closed.Store(true)
	close(b.stopCh)
	client := b.client
	b.client = nil
	b.mu.Unlock()

	var errs []error
	if client != nil {
		if client.IsConnected() {
			token := client.Unsubscribe(b.cfg.TopicFilter)
			if !token.WaitTimeout(timeout) {
				errs = append(errs, errors.WrapTransient(errors.ErrConnectionTimeout, "Bridge", "Stop", "unsubscribe"))
			} else if err := token.Error(); err != nil {
				errs = append(errs, errors.WrapTransient(err, "Bridge", "Stop", "unsubscribe"))
			}
		}
		client.Disconnect(250)
	}

	if err := b.pool.Stop(timeout); err != nil {
		errs = append(errs, errors.WrapTransient(err, "Bridge", "Stop", "drain queue"))
	}
	b.setState(StateDisconnected)
	return stderrors.Join(errs...)
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		State:         b.State().String(),
		Received:      b.received.Load(),
		Dropped:       b.dropped.Load(),
		Published:     b.published.Load(),
		PublishErrors: b.publishErrors.Load(),
		Routed:        b.routed.Load(),
		Pool:          b.pool.Stats(),
	}
}
