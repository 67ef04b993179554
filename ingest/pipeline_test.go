package ingest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/admission"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/credential"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/metric"
)

const testToken = "tok-secret"

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu      sync.Mutex
	records []string
	err     error
}

func (s *recordingSink) Enqueue(record string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

func (s *recordingSink) Records() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.records...)
}

type published struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

type countingStore struct {
	mu      sync.Mutex
	records map[string]credential.Record
	calls   int
	err     error
}

func newCountingStore() *countingStore {
	return &countingStore{records: map[string]credential.Record{}}
}

func (s *countingStore) add(tenant, device, siteID string, status credential.Status) {
	s.records[tenant+"/"+device] = credential.Record{
		TokenHash: credential.HashToken(testToken),
		SiteID:    siteID,
		Status:    status,
	}
}

func (s *countingStore) Lookup(_ context.Context, tenant, device string) (credential.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return credential.Record{}, s.err
	}
	rec, ok := s.records[tenant+"/"+device]
	if !ok {
		return credential.Record{}, credential.ErrNotFound
	}
	return rec, nil
}

func (s *countingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type denyAdmitter struct {
	decision admission.Decision
}

func (d denyAdmitter) CheckAll(string, string, time.Time) admission.Decision {
	return d.decision
}

type fixture struct {
	pipeline  *Pipeline
	cache     *credential.Cache
	store     *countingStore
	sink      *recordingSink
	publisher *recordingPublisher
	clock     *time.Time
}

func newFixture(t *testing.T, cfg Config, admitter Admitter) *fixture {
	t.Helper()
	now := testNow
	f := &fixture{
		store:     newCountingStore(),
		sink:      &recordingSink{},
		publisher: &recordingPublisher{},
		clock:     &now,
	}
	clock := func() time.Time { return *f.clock }

	c, err := credential.NewCache(time.Minute, 100, credential.WithCacheClock(clock))
	require.NoError(t, err)
	f.cache = c

	if admitter == nil {
		ctrl, err := admission.New(admission.DefaultLimits())
		require.NoError(t, err)
		admitter = ctrl
	}

	f.pipeline = NewPipeline(cfg, f.cache, f.store, admitter, f.sink,
		WithPublisher(f.publisher), WithClock(clock))
	f.store.add("t1", "dev-1", "site-a", credential.StatusActive)
	return f
}

func telemetry(t *testing.T, tenant, device, token, body string) *Message {
	t.Helper()
	msg, err := DecodeMessage(tenant, device, "telemetry", token, []byte(body), testNow)
	require.NoError(t, err)
	return msg
}

func TestValidateAndPrepare(t *testing.T) {
	body := `{"site_id":"site-a","seq":1,"metrics":{"temp":21.5}}`

	tests := []struct {
		name       string
		setup      func(f *fixture)
		msg        func(t *testing.T) *Message
		cfg        Config
		admitter   Admitter
		wantReason Reason
		wantStatus int
		wantSink   int
	}{
		{
			name:       "accepted",
			msg:        func(t *testing.T) *Message { return telemetry(t, "t1", "dev-1", testToken, body) },
			wantReason: ReasonOK,
			wantStatus: http.StatusAccepted,
			wantSink:   1,
		},
		{
			name:       "unknown device",
			msg:        func(t *testing.T) *Message { return telemetry(t, "t1", "ghost", testToken, body) },
			wantReason: ReasonTokenInvalid,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong token",
			msg:        func(t *testing.T) *Message { return telemetry(t, "t1", "dev-1", "nope", body) },
			wantReason: ReasonTokenInvalid,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "revoked",
			setup: func(f *fixture) {
				f.store.add("t1", "dev-1", "site-a", credential.StatusRevoked)
			},
			msg:        func(t *testing.T) *Message { return telemetry(t, "t1", "dev-1", testToken, body) },
			wantReason: ReasonDeviceRevoked,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "payload too large",
			cfg:        Config{MaxPayloadBytes: 16},
			msg:        func(t *testing.T) *Message { return telemetry(t, "t1", "dev-1", testToken, body) },
			wantReason: ReasonPayloadTooLarge,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "rate limited",
			admitter: denyAdmitter{admission.Decision{
				Reason:     admission.ReasonGlobalLimit,
				StatusCode: http.StatusServiceUnavailable,
				Scope:      admission.ScopeGlobal,
			}},
			msg:        func(t *testing.T) *Message { return telemetry(t, "t1", "dev-1", testToken, body) },
			wantReason: ReasonRateLimited,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "store failure is token invalid",
			setup: func(f *fixture) {
				f.store.err = errors.WrapTransient(errors.ErrStorageUnavailable, "test", "Lookup", "query")
			},
			msg:        func(t *testing.T) *Message { return telemetry(t, "t1", "dev-1", testToken, body) },
			wantReason: ReasonTokenInvalid,
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.cfg, tt.admitter)
			if tt.setup != nil {
				tt.setup(f)
			}

			res := f.pipeline.ValidateAndPrepare(context.Background(), tt.msg(t))

			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, tt.wantStatus, res.StatusCode)
			assert.Equal(t, tt.wantReason == ReasonOK, res.Success)
			assert.Len(t, f.sink.Records(), tt.wantSink)
		})
	}
}

func TestValidateAndPrepare_EncodesRecord(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	msg := telemetry(t, "t1", "dev-1", testToken, `{"site_id":"site-a","seq":7,"metrics":{"temp":21.5,"ok":true}}`)

	res := f.pipeline.ValidateAndPrepare(context.Background(), msg)
	require.True(t, res.Success)

	records := f.sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "telemetry,device_id=dev-1,site_id=site-a seq=7i,ok=true,temp=21.5 1709294400000000000", records[0])
	assert.Equal(t, testNow, msg.Timestamp)
}

func TestValidateAndPrepare_DeclaredTimestamp(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	msg := telemetry(t, "t1", "dev-1", testToken, `{"site_id":"site-a","ts":"2024-02-29T23:59:59Z"}`)

	require.True(t, f.pipeline.ValidateAndPrepare(context.Background(), msg).Success)
	assert.Equal(t, time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC), msg.Timestamp.UTC())
}

func TestValidateAndPrepare_CachesStoreResult(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	body := `{"site_id":"site-a"}`

	for i := 0; i < 3; i++ {
		res := f.pipeline.ValidateAndPrepare(context.Background(), telemetry(t, "t1", "dev-1", testToken, body))
		require.True(t, res.Success)
	}
	assert.Equal(t, 1, f.store.Calls())
}

func TestValidateAndPrepare_ExpiredEntryLooksUpOnce(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	body := `{"site_id":"site-a"}`

	require.True(t, f.pipeline.ValidateAndPrepare(context.Background(), telemetry(t, "t1", "dev-1", testToken, body)).Success)
	require.Equal(t, 1, f.store.Calls())

	*f.clock = f.clock.Add(2 * time.Minute)
	_, ok := f.cache.Get("t1", "dev-1")
	require.False(t, ok)

	require.True(t, f.pipeline.ValidateAndPrepare(context.Background(), telemetry(t, "t1", "dev-1", testToken, body)).Success)
	assert.Equal(t, 2, f.store.Calls())

	_, ok = f.cache.Get("t1", "dev-1")
	assert.True(t, ok, "entry should be cached again")

	require.True(t, f.pipeline.ValidateAndPrepare(context.Background(), telemetry(t, "t1", "dev-1", testToken, body)).Success)
	assert.Equal(t, 2, f.store.Calls())
}

func TestValidateAndPrepare_NotFoundIsCachedUntilTTL(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	body := `{"site_id":"site-a"}`

	for i := 0; i < 3; i++ {
		res := f.pipeline.ValidateAndPrepare(context.Background(), telemetry(t, "t1", "ghost", testToken, body))
		assert.Equal(t, ReasonTokenInvalid, res.Reason)
		assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	}
	assert.Equal(t, 1, f.store.Calls())

	// Provisioning takes effect once the negative entry expires.
	f.store.add("t1", "ghost", "site-a", credential.StatusActive)
	*f.clock = f.clock.Add(2 * time.Minute)
	res := f.pipeline.ValidateAndPrepare(context.Background(), telemetry(t, "t1", "ghost", testToken, body))
	assert.True(t, res.Success)
	assert.Equal(t, 2, f.store.Calls())
}

func TestValidateAndPrepare_StoreFailureIsNotCached(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.store.err = errors.WrapTransient(errors.ErrStorageUnavailable, "test", "Lookup", "query")
	body := `{"site_id":"site-a"}`

	for i := 0; i < 2; i++ {
		res := f.pipeline.ValidateAndPrepare(context.Background(), telemetry(t, "t1", "dev-1", testToken, body))
		assert.Equal(t, ReasonTokenInvalid, res.Reason)
	}
	assert.Equal(t, 2, f.store.Calls())
}

func TestValidateAndPrepare_RevokedFromStoreStaysCached(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.store.add("t1", "dev-1", "site-a", credential.StatusRevoked)
	body := `{"site_id":"site-a"}`

	for i := 0; i < 3; i++ {
		res := f.pipeline.ValidateAndPrepare(context.Background(), telemetry(t, "t1", "dev-1", testToken, body))
		assert.Equal(t, ReasonDeviceRevoked, res.Reason)
		assert.Equal(t, http.StatusForbidden, res.StatusCode)
	}
	assert.Equal(t, 1, f.store.Calls())

	entry, ok := f.cache.Get("t1", "dev-1")
	require.True(t, ok)
	assert.True(t, entry.Revoked())
}

func TestValidateAndPrepare_RevokedCacheHit(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.cache.Put("t1", "dev-1", credential.HashToken(testToken), "site-a", credential.StatusRevoked)

	res := f.pipeline.ValidateAndPrepare(context.Background(), telemetry(t, "t1", "dev-1", testToken, `{"site_id":"site-a"}`))
	assert.Equal(t, ReasonDeviceRevoked, res.Reason)

	_, ok := f.cache.Get("t1", "dev-1")
	assert.True(t, ok)
	assert.Equal(t, 0, f.store.Calls())
}

func TestValidateAndPrepare_TokenMismatchDropsCachedEntry(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.cache.Put("t1", "dev-1", credential.HashToken("old-token"), "site-a", credential.StatusActive)
	body := `{"site_id":"site-a"}`

	res := f.pipeline.ValidateAndPrepare(context.Background(), telemetry(t, "t1", "dev-1", testToken, body))
	assert.Equal(t, ReasonTokenInvalid, res.Reason)
	_, ok := f.cache.Get("t1", "dev-1")
	assert.False(t, ok)

	// The rotated token is read from the store on the next message.
	res = f.pipeline.ValidateAndPrepare(context.Background(), telemetry(t, "t1", "dev-1", testToken, body))
	assert.True(t, res.Success)
	assert.Equal(t, 1, f.store.Calls())
}

func TestValidateAndPrepare_ParseError(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	msg := telemetry(t, "t1", "dev-1", testToken, `{not json`)
	require.True(t, msg.ParseError)

	res := f.pipeline.ValidateAndPrepare(context.Background(), msg)
	assert.True(t, res.Success)

	records := f.sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "ingest_error,tenant_id=t1,device_id=dev-1,site_id=site-a,msg_type=telemetry bytes=9i 1709294400000000000", records[0])

	require.Len(t, f.publisher.msgs, 1)
	assert.Equal(t, "ingest.errors.t1", f.publisher.msgs[0].subject)
	var audit map[string]any
	require.NoError(t, json.Unmarshal(f.publisher.msgs[0].data, &audit))
	assert.Equal(t, "{not json", audit["raw"])
	assert.Equal(t, int64(1), f.pipeline.Counters().ParseErrors)
}

func TestValidateAndPrepare_PublishAccepted(t *testing.T) {
	f := newFixture(t, Config{PublishAccepted: true}, nil)
	msg := telemetry(t, "t1", "dev-1", testToken, `{"site_id":"site-a","seq":3,"metrics":{"rpm":1200}}`)

	require.True(t, f.pipeline.ValidateAndPrepare(context.Background(), msg).Success)
	require.Len(t, f.publisher.msgs, 1)
	assert.Equal(t, "telemetry.t1", f.publisher.msgs[0].subject)
	assert.JSONEq(t,
		`{"tenant_id":"t1","device_id":"dev-1","site_id":"site-a","msg_type":"telemetry","seq":3,"metrics":{"rpm":1200},"ts_ms":1709294400000}`,
		string(f.publisher.msgs[0].data))
}

// countingBus counts publishes on the shared core metrics, as the NATS
// client does.
type countingBus struct {
	metrics *metric.Metrics
}

func (b countingBus) Publish(_ context.Context, subject string, _ []byte) error {
	prefix, _, _ := strings.Cut(subject, ".")
	b.metrics.RecordMessagePublished(prefix)
	return nil
}

func TestValidateAndPrepare_PublishCountedOnce(t *testing.T) {
	f := newFixture(t, Config{PublishAccepted: true}, nil)
	m := metric.NewMetricsRegistry().CoreMetrics()
	ctrl, err := admission.New(admission.DefaultLimits())
	require.NoError(t, err)
	p := NewPipeline(Config{PublishAccepted: true}, f.cache, f.store, ctrl, f.sink,
		WithPublisher(countingBus{metrics: m}), WithMetrics(m))

	ctx := context.Background()
	require.True(t, p.ValidateAndPrepare(ctx, telemetry(t, "t1", "dev-1", testToken, `{"site_id":"site-a"}`)).Success)
	require.True(t, p.ValidateAndPrepare(ctx, telemetry(t, "t1", "dev-1", testToken, `{not json`)).Success)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesPublished.WithLabelValues("telemetry")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesPublished.WithLabelValues("ingest")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.MessagesPublished))
}

func TestValidateAndPrepare_SinkFailureStillAccepted(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.sink.err = stderrors.New("queue full")

	res := f.pipeline.ValidateAndPrepare(context.Background(), telemetry(t, "t1", "dev-1", testToken, `{"site_id":"site-a"}`))
	assert.True(t, res.Success)
	assert.Equal(t, int64(1), f.pipeline.Counters().SinkErrors)
}

func batchBody(items ...string) []byte {
	return []byte(`{"messages":[` + strings.Join(items, ",") + `]}`)
}

func batchItemJSON(device, token string) string {
	return fmt.Sprintf(`{"tenant_id":"t1","device_id":%q,"msg_type":"telemetry","provision_token":%q,"site_id":"site-a","metrics":{"v":1}}`, device, token)
}

func TestValidateBatch(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.store.add("t1", "dev-2", "site-a", credential.StatusActive)
	f.store.add("t1", "dev-3", "site-a", credential.StatusActive)

	entries, err := DecodeBatch(batchBody(
		batchItemJSON("dev-1", testToken),
		batchItemJSON("dev-2", testToken),
		batchItemJSON("dev-3", testToken),
		batchItemJSON("dev-1", "bad-token"),
	), testNow)
	require.NoError(t, err)

	res, err := f.pipeline.ValidateBatch(context.Background(), entries)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Accepted)
	assert.Equal(t, 1, res.Rejected)
	require.Len(t, res.Details, 4)
	assert.Equal(t, 3, res.Details[3].Index)
	assert.Equal(t, ReasonTokenInvalid, res.Details[3].Reason)
	assert.Equal(t, http.StatusUnauthorized, res.Details[3].Status)
	assert.Len(t, f.sink.Records(), 3)
}

func TestValidateBatch_DecodeErrors(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	entries, err := DecodeBatch(batchBody(
		batchItemJSON("dev-1", testToken),
		`{"tenant_id":"t1","device_id":"dev-1","msg_type":"telemetry","site_id":"site-a"}`,
		`{"tenant_id":"t1","device_id":"dev-1","msg_type":"status","provision_token":"x","site_id":"site-a"}`,
	), testNow)
	require.NoError(t, err)

	res, err := f.pipeline.ValidateBatch(context.Background(), entries)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 2, res.Rejected)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Details[1].Status)
	assert.Contains(t, res.Details[1].Error, "provision_token")
	assert.Equal(t, http.StatusBadRequest, res.Details[2].Status)
	assert.Equal(t, 1, f.store.Calls())
}

func TestValidateBatch_TooLarge(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	items := make([]string, 101)
	for i := range items {
		items[i] = batchItemJSON("dev-1", testToken)
	}
	entries, err := DecodeBatch(batchBody(items...), testNow)
	require.NoError(t, err)
	require.Len(t, entries, 101)

	res, err := f.pipeline.ValidateBatch(context.Background(), entries)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBatchTooLarge)
	assert.True(t, errors.IsInvalid(err))
	assert.Zero(t, res.Accepted+res.Rejected)
	assert.Equal(t, 0, f.store.Calls())
	assert.Empty(t, f.sink.Records())
}
