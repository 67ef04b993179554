package bridge

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/filter"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/testutil"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	ch := make(chan struct{})
	close(ch)
	return &fakeToken{err: err, done: ch}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeBroker builds fakeClients and records what the bridge does with them.
type fakeBroker struct {
	mu          sync.Mutex
	connectErrs []error
	clients     []*fakeClient
	events      []string
}

func (f *fakeBroker) factory(opts *mqtt.ClientOptions) Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeClient{broker: f, opts: opts}
	if n := len(f.clients); n < len(f.connectErrs) {
		c.connectErr = f.connectErrs[n]
	}
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeBroker) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeBroker) clientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeBroker) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[len(f.clients)-1]
}

func (f *fakeBroker) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakeClient struct {
	broker     *fakeBroker
	opts       *mqtt.ClientOptions
	connectErr error

	mu        sync.Mutex
	connected bool
	handler   mqtt.MessageHandler
}

func (c *fakeClient) Connect() mqtt.Token {
	c.broker.record("connect")
	if c.connectErr != nil {
		return doneToken(c.connectErr)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return doneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.broker.record("subscribe " + topic)
	c.mu.Lock()
	c.handler = callback
	c.mu.Unlock()
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.broker.record("unsubscribe " + topics[0])
	return doneToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.broker.record("disconnect")
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) deliver(topic, payload string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(nil, fakeMessage{topic: topic, payload: []byte(payload)})
}

var arrival = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *fakeBroker, *testutil.MockNATSClient) {
	t.Helper()
	broker := &fakeBroker{}
	bus := testutil.NewMockNATSClient()
	cfg.ReconnectInterval = 10 * time.Millisecond
	b, err := New(cfg, bus,
		WithClientFactory(broker.factory),
		WithClock(func() time.Time { return arrival }),
	)
	require.NoError(t, err)
	return b, broker, bus
}

func runBridge(t *testing.T, b *Bridge) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	return cancel, done
}

func waitSubscribed(t *testing.T, b *Bridge) {
	t.Helper()
	require.Eventually(t, func() bool { return b.State() == StateSubscribed },
		time.Second, 5*time.Millisecond)
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic   string
		tenant  string
		device  string
		subtype string
		ok      bool
	}{
		{"tenant/T1/device/D1/telemetry", "T1", "D1", "telemetry", true},
		{"tenant/T1/device/D1/ota/status", "T1", "D1", "ota/status", true},
		{"tenant/T1/device/D1", "", "", "", false},
		{"tenant/T1/devices/D1/telemetry", "", "", "", false},
		{"site/T1/device/D1/telemetry", "", "", "", false},
		{"tenant//device/D1/telemetry", "", "", "", false},
		{"tenant/T1/device/D1/", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			tenant, device, subtype, ok := ParseTopic(tt.topic)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.tenant, tenant)
			assert.Equal(t, tt.device, device)
			assert.Equal(t, tt.subtype, subtype)
		})
	}
}

func TestSubjectFor(t *testing.T) {
	tests := map[string]string{
		"telemetry":       "telemetry.T1",
		"heartbeat":       "telemetry.T1",
		"shadow/reported": "shadow.T1",
		"state":           "shadow.T1",
		"commands/ack":    "commands.T1",
		"ota/status":      "commands.T1",
		"diagnostics":     "telemetry.T1",
	}
	for subtype, want := range tests {
		assert.Equal(t, want, SubjectFor(subtype, "T1"), subtype)
	}
}

func TestEnvelopeMarshalJSON(t *testing.T) {
	env := Envelope{
		Topic:     "tenant/T1/device/D1/telemetry",
		TenantID:  "T1",
		DeviceID:  "D1",
		MsgType:   "telemetry",
		Payload:   []byte(`{"metrics":{"temp":21.5}}`),
		ArrivalMS: 1709294400000,
	}
	data, err := env.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"topic":"tenant/T1/device/D1/telemetry","tenant_id":"T1","device_id":"D1",
		"msg_type":"telemetry","payload":{"metrics":{"temp":21.5}},"arrival_ms":1709294400000}`, string(data))

	env.Payload = []byte("not json")
	data, err = env.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"payload":"not json"`)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Port: 70000}.Validate())
	assert.Error(t, Config{QoS: 3}.Validate())
	assert.Error(t, Config{Routes: []Route{{Name: "hot"}}}.Validate())
	assert.Equal(t, "ssl://broker:8883", Config{Host: "broker", Port: 8883, TLS: true}.BrokerURL())
}

func TestBridge_ForwardsEnvelopes(t *testing.T) {
	b, broker, bus := newTestBridge(t, Config{})
	cancel, done := runBridge(t, b)
	defer cancel()
	waitSubscribed(t, b)

	client := broker.last()
	assert.False(t, client.opts.AutoReconnect)
	assert.Equal(t, "subscribe "+DefaultTopicFilter, broker.eventLog()[1])

	client.deliver("tenant/T1/device/D1/telemetry", `{"site_id":"lab","metrics":{"temp":20}}`)
	client.deliver("tenant/T1/device/D1/shadow/reported", `{"led":"on"}`)
	client.deliver("tenant/T1/device/D1/ota/status", `{"progress":50}`)
	client.deliver("garbage/topic", `{}`)

	testutil.WaitForMessageCount(t, bus, "telemetry.T1", 1, time.Second)
	testutil.WaitForMessageCount(t, bus, "shadow.T1", 1, time.Second)
	testutil.WaitForMessageCount(t, bus, "commands.T1", 1, time.Second)

	assert.JSONEq(t, `{"topic":"tenant/T1/device/D1/telemetry","tenant_id":"T1","device_id":"D1",
		"msg_type":"telemetry","payload":{"site_id":"lab","metrics":{"temp":20}},"arrival_ms":1709294400000}`,
		string(bus.GetMessages("telemetry.T1")[0]))

	require.NoError(t, b.Stop(time.Second))
	cancel()
	require.NoError(t, <-done)

	stats := b.Stats()
	assert.Equal(t, int64(3), stats.Received)
	assert.Equal(t, int64(3), stats.Published)
	assert.Len(t, bus.Subjects(), 3)
}

func TestBridge_ReconnectsAfterConnectFailure(t *testing.T) {
	b, broker, _ := newTestBridge(t, Config{})
	broker.connectErrs = []error{stderrors.New("connection refused"), stderrors.New("connection refused")}

	cancel, done := runBridge(t, b)
	waitSubscribed(t, b)
	assert.Equal(t, 3, broker.clientCount())

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, b.Stop(time.Second))
}

func TestBridge_ReconnectsAfterConnectionLost(t *testing.T) {
	b, broker, bus := newTestBridge(t, Config{})
	cancel, done := runBridge(t, b)
	defer cancel()
	waitSubscribed(t, b)

	first := broker.last()
	first.opts.OnConnectionLost(nil, stderrors.New("EOF"))

	require.Eventually(t, func() bool {
		return broker.clientCount() == 2 && b.State() == StateSubscribed
	}, time.Second, 5*time.Millisecond)
	assert.False(t, first.IsConnected())

	broker.last().deliver("tenant/T1/device/D1/heartbeat", `{"seq":1}`)
	testutil.WaitForMessageCount(t, bus, "telemetry.T1", 1, time.Second)

	require.NoError(t, b.Stop(time.Second))
	cancel()
	require.NoError(t, <-done)
}

func TestBridge_StopOrder(t *testing.T) {
	b, broker, bus := newTestBridge(t, Config{})
	cancel, done := runBridge(t, b)
	waitSubscribed(t, b)
	client := broker.last()

	// Shutdown cancels the run context before stopping the bridge.
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, b.Stop(time.Second))

	events := broker.eventLog()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, []string{"unsubscribe " + DefaultTopicFilter, "disconnect"}, events[len(events)-2:])
	assert.Equal(t, StateDisconnected, b.State())

	client.deliver("tenant/T1/device/D1/telemetry", `{}`)
	assert.Empty(t, bus.Subjects())
	assert.Equal(t, int64(0), b.Stats().Received)

	assert.NoError(t, b.Stop(time.Second))
}

func TestBridge_Routes(t *testing.T) {
	b, broker, bus := newTestBridge(t, Config{Routes: []Route{{
		Name:  "overheat",
		Topic: "tenant/+/device/+/telemetry",
		Where: filter.Spec{"temperature": map[string]any{"$gt": 80}},
	}}})
	cancel, done := runBridge(t, b)
	defer cancel()
	waitSubscribed(t, b)

	client := broker.last()
	client.deliver("tenant/T1/device/D1/telemetry", `{"metrics":{"temperature":90}}`)
	client.deliver("tenant/T1/device/D2/telemetry", `{"metrics":{"temperature":70}}`)
	client.deliver("tenant/T1/device/D3/heartbeat", `{"metrics":{"temperature":99}}`)

	testutil.WaitForMessageCount(t, bus, "telemetry.T1", 3, time.Second)
	require.NoError(t, b.Stop(time.Second))
	cancel()
	require.NoError(t, <-done)

	routed := bus.GetMessages("routes.overheat.T1")
	require.Len(t, routed, 1)
	assert.Contains(t, string(routed[0]), `"device_id":"D1"`)
	assert.Equal(t, int64(1), b.Stats().Routed)
}

func TestBridge_PublishFailureIsCounted(t *testing.T) {
	b, broker, bus := newTestBridge(t, Config{})
	bus.SetPublishError(stderrors.New("nats down"))
	cancel, done := runBridge(t, b)
	defer cancel()
	waitSubscribed(t, b)

	broker.last().deliver("tenant/T1/device/D1/telemetry", `{}`)
	require.Eventually(t, func() bool { return b.Stats().PublishErrors == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), b.Stats().Published)

	require.NoError(t, b.Stop(time.Second))
	cancel()
	require.NoError(t, <-done)
}

func TestBridge_QueueFullDrops(t *testing.T) {
	b, broker, _ := newTestBridge(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	b.publisher = blockingPublisher{release: block}

	cancel, done := runBridge(t, b)
	defer cancel()
	waitSubscribed(t, b)

	client := broker.last()
	for i := 0; i < 5; i++ {
		client.deliver("tenant/T1/device/D1/telemetry", `{}`)
	}
	assert.Positive(t, b.Stats().Dropped)
	assert.Equal(t, int64(5), b.Stats().Received)

	close(block)
	require.NoError(t, b.Stop(time.Second))
	cancel()
	require.NoError(t, <-done)
}

type blockingPublisher struct {
	release chan struct{}
}

func (p blockingPublisher) Publish(ctx context.Context, _ string, _ []byte) error {
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
