package ingest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/admission"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/credential"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/lineproto"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/metric"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/pkg/timestamp"
)

const (
	DefaultMaxPayloadBytes = 8192
	DefaultMaxBatchSize    = 100
)

// Sink receives encoded line records.
type Sink interface {
	Enqueue(record string) error
}

// Publisher publishes to the message bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// CredentialCache is the subset of credential.Cache the pipeline uses.
type CredentialCache interface {
	Get(tenantID, deviceID string) (credential.Entry, bool)
	Put(tenantID, deviceID, tokenHash, siteID string, status credential.Status)
	PutDeleted(tenantID, deviceID string)
	Invalidate(tenantID, deviceID string)
}

// Admitter decides whether a request may proceed.
type Admitter interface {
	CheckAll(tenantID, deviceID string, now time.Time) admission.Decision
}

// Config bounds message and batch sizes.
type Config struct {
	MaxPayloadBytes int  `json:"max_payload_bytes" yaml:"max_payload_bytes"`
	MaxBatchSize    int  `json:"max_batch_size" yaml:"max_batch_size"`
	PublishAccepted bool `json:"publish_accepted" yaml:"publish_accepted"`
}

// Counters is a snapshot of pipeline totals.
type Counters struct {
	Accepted    int64 `json:"accepted"`
	Rejected    int64 `json:"rejected"`
	ParseErrors int64 `json:"parse_errors"`
	SinkErrors  int64 `json:"sink_errors"`
}

// Pipeline runs the validation steps for each message.
type Pipeline struct {
	cfg       Config
	cache     CredentialCache
	store     credential.Store
	admitter  Admitter
	sink      Sink
	publisher Publisher
	metrics   *metric.Metrics
	logger    *slog.Logger
	now       func() time.Time

	accepted    atomic.Int64
	rejected    atomic.Int64
	parseErrors atomic.Int64
	sinkErrors  atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPublisher enables bus publication of accepted messages (when
// Config.PublishAccepted is set) and of malformed bodies.
func WithPublisher(p Publisher) Option {
	return func(pl *Pipeline) { pl.publisher = p }
}

// WithMetrics records per-result counters and durations.
func WithMetrics(m *metric.Metrics) Option {
	return func(pl *Pipeline) { pl.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(pl *Pipeline) { pl.logger = l }
}

// WithClock replaces time.Now for admission checks.
func WithClock(now func() time.Time) Option {
	return func(pl *Pipeline) { pl.now = now }
}

// NewPipeline wires the pipeline. store should already bound its lookups,
// see credential.TimeoutStore.
func NewPipeline(cfg Config, cache CredentialCache, store credential.Store, admitter Admitter, sink Sink, opts ...Option) *Pipeline {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	p := &Pipeline{
		cfg:      cfg,
		cache:    cache,
		store:    store,
		admitter: admitter,
		sink:     sink,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "ingest")
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// ValidateAndPrepare runs credential, revocation, size and admission checks
// in that order, stopping at the first failure. An accepted message gets its
// timestamp normalized and is encoded to the sink.
func (p *Pipeline) ValidateAndPrepare(ctx context.Context, msg *Message) Result {
	start := time.Now()
	p.metrics.RecordMessageReceived(msg.Source, msg.MsgType)

	res := p.validate(ctx, msg)

	if res.Success {
		p.accepted.Add(1)
	} else {
		p.rejected.Add(1)
		p.logger.Debug("message rejected",
			"tenant_id", msg.TenantID, "device_id", msg.DeviceID, "reason", res.Reason, "detail", res.Detail)
	}
	p.metrics.RecordMessageProcessed(msg.Source, string(res.Reason))
	p.metrics.RecordProcessingDuration("validate", time.Since(start))
	return res
}

func (p *Pipeline) validate(ctx context.Context, msg *Message) Result {
	entry, cached, res, ok := p.resolveCredential(ctx, msg)
	if !ok {
		return res
	}

	if entry.Deleted() {
		return rejected(ReasonTokenInvalid, http.StatusUnauthorized, "unknown device")
	}

	if !credential.TokenMatches(msg.ProvisionToken, entry.TokenHash) {
		// A cached hash may predate a token rotation; the next message
		// re-reads the store.
		if cached {
			p.cache.Invalidate(msg.TenantID, msg.DeviceID)
		}
		return rejected(ReasonTokenInvalid, http.StatusUnauthorized, "provision token does not match")
	}

	// Revoked entries stay cached until the TTL so later messages are
	// refused without a store lookup.
	if entry.Revoked() {
		return rejected(ReasonDeviceRevoked, http.StatusForbidden, "device is revoked")
	}

	if len(msg.Raw) > p.cfg.MaxPayloadBytes {
		return rejected(ReasonPayloadTooLarge, http.StatusBadRequest,
			fmt.Sprintf("payload exceeds %d bytes", p.cfg.MaxPayloadBytes))
	}

	if d := p.admitter.CheckAll(msg.TenantID, msg.DeviceID, p.now()); !d.Allowed {
		return rejected(ReasonRateLimited, d.StatusCode, d.Reason)
	}

	msg.Timestamp = timestamp.Normalize(msg.DeclaredTS, msg.ReceivedAt)
	if msg.SiteID == "" {
		msg.SiteID = entry.SiteID
	}

	if msg.ParseError {
		p.parseErrors.Add(1)
		p.handleParseError(ctx, msg)
		return accepted()
	}

	p.enqueue(BuildRecord(msg), msg)
	if p.cfg.PublishAccepted {
		p.publish(ctx, "telemetry."+msg.TenantID, msg)
	}
	return accepted()
}

// resolveCredential reads the cache and, on a miss, the store. A store
// result is cached, absence included; store failures are not. cached
// reports whether the entry came from the cache.
func (p *Pipeline) resolveCredential(ctx context.Context, msg *Message) (entry credential.Entry, cached bool, res Result, ok bool) {
	if hit, found := p.cache.Get(msg.TenantID, msg.DeviceID); found {
		return hit, true, Result{}, true
	}

	rec, err := p.store.Lookup(ctx, msg.TenantID, msg.DeviceID)
	if err != nil {
		if stderrors.Is(err, credential.ErrNotFound) {
			p.cache.PutDeleted(msg.TenantID, msg.DeviceID)
		} else {
			p.metrics.RecordError("credential", errors.Classify(err).String())
			p.logger.Warn("credential lookup failed",
				"tenant_id", msg.TenantID, "device_id", msg.DeviceID, "error", err)
		}
		return credential.Entry{}, false, rejected(ReasonTokenInvalid, http.StatusUnauthorized, "unknown device"), false
	}

	p.cache.Put(msg.TenantID, msg.DeviceID, rec.TokenHash, rec.SiteID, rec.Status)
	return credential.Entry{
		TenantID:  msg.TenantID,
		DeviceID:  msg.DeviceID,
		TokenHash: rec.TokenHash,
		SiteID:    rec.SiteID,
		Status:    rec.Status,
	}, false, Result{}, true
}

// BuildRecord encodes an accepted message as a line record.
func BuildRecord(msg *Message) string {
	payload := map[string]any{}
	if msg.HasSeq {
		payload["seq"] = msg.Seq
	}
	if len(msg.Metrics) > 0 {
		payload["metrics"] = msg.Metrics
	}
	return lineproto.BuildLineRecord(msg.MsgType, msg.DeviceID, msg.SiteID, payload, msg.Timestamp)
}

func (p *Pipeline) handleParseError(ctx context.Context, msg *Message) {
	point := lineproto.Point{
		Measurement: lineproto.MeasurementIngestError,
		Tags: []lineproto.Tag{
			{Key: "tenant_id", Value: msg.TenantID},
			{Key: "device_id", Value: msg.DeviceID},
			{Key: "site_id", Value: msg.SiteID},
			{Key: "msg_type", Value: msg.MsgType},
		},
		Fields: []lineproto.Field{{Key: "bytes", Value: lineproto.Int(int64(len(msg.Raw)))}},
		Time:   msg.Timestamp,
	}
	p.enqueue(point.Encode(), msg)

	if p.publisher == nil {
		return
	}
	data, err := json.Marshal(auditRecord{
		TenantID:   msg.TenantID,
		DeviceID:   msg.DeviceID,
		MsgType:    msg.MsgType,
		ReceivedAt: timestamp.ToUnixMs(msg.ReceivedAt),
		Raw:        string(msg.Raw),
	})
	if err == nil {
		err = p.publisher.Publish(ctx, "ingest.errors."+msg.TenantID, data)
	}
	if err != nil {
		p.logger.Warn("publish malformed payload failed", "tenant_id", msg.TenantID, "error", err)
	}
}

type auditRecord struct {
	TenantID   string `json:"tenant_id"`
	DeviceID   string `json:"device_id"`
	MsgType    string `json:"msg_type"`
	ReceivedAt int64  `json:"received_at_ms"`
	Raw        string `json:"raw"`
}

func (p *Pipeline) enqueue(record string, msg *Message) {
	if record == "" {
		return
	}
	if err := p.sink.Enqueue(record); err != nil {
		p.sinkErrors.Add(1)
		p.metrics.RecordError("sink", errors.Classify(err).String())
		p.logger.Error("sink enqueue failed",
			"tenant_id", msg.TenantID, "device_id", msg.DeviceID, "error", err)
	}
}

type acceptedRecord struct {
	TenantID    string                     `json:"tenant_id"`
	DeviceID    string                     `json:"device_id"`
	SiteID      string                     `json:"site_id"`
	MsgType     string                     `json:"msg_type"`
	Seq         *int64                     `json:"seq,omitempty"`
	Metrics     map[string]json.RawMessage `json:"metrics,omitempty"`
	TimestampMS int64                      `json:"ts_ms"`
}

func (p *Pipeline) publish(ctx context.Context, subject string, msg *Message) {
	if p.publisher == nil {
		return
	}
	rec := acceptedRecord{
		TenantID:    msg.TenantID,
		DeviceID:    msg.DeviceID,
		SiteID:      msg.SiteID,
		MsgType:     msg.MsgType,
		TimestampMS: timestamp.ToUnixMs(msg.Timestamp),
	}
	if msg.HasSeq {
		seq := msg.Seq
		rec.Seq = &seq
	}
	if len(msg.Metrics) > 0 {
		rec.Metrics = make(map[string]json.RawMessage, len(msg.Metrics))
		for k, v := range msg.Metrics {
			rec.Metrics[k] = valueJSON(v)
		}
	}

	data, err := json.Marshal(rec)
	if err == nil {
		err = p.publisher.Publish(ctx, subject, data)
	}
	if err != nil {
		p.logger.Warn("publish accepted message failed", "subject", subject, "error", err)
	}
}

func valueJSON(v lineproto.Value) json.RawMessage {
	switch v.Kind() {
	case lineproto.KindBool:
		return json.RawMessage(strconv.FormatBool(v.Bool()))
	case lineproto.KindInt:
		return json.RawMessage(strconv.FormatInt(v.Int(), 10))
	case lineproto.KindFloat:
		if b, err := json.Marshal(v.Float()); err == nil {
			return b
		}
		return json.RawMessage("null")
	case lineproto.KindString:
		b, _ := json.Marshal(v.Str())
		return b
	default:
		return json.RawMessage("null")
	}
}

// ValidateBatch validates each entry independently. Above the batch cap the
// whole batch is refused with ErrBatchTooLarge and nothing is processed.
func (p *Pipeline) ValidateBatch(ctx context.Context, entries []BatchEntry) (BatchResult, error) {
	if len(entries) > p.cfg.MaxBatchSize {
		return BatchResult{}, errors.WrapInvalid(
			fmt.Errorf("%w: %d > %d", errors.ErrBatchTooLarge, len(entries), p.cfg.MaxBatchSize),
			"Pipeline", "ValidateBatch", "check batch size")
	}

	out := BatchResult{Details: make([]BatchDetail, 0, len(entries))}
	for i, e := range entries {
		d := BatchDetail{Index: i}
		if e.Message != nil {
			d.TenantID, d.DeviceID = e.Message.TenantID, e.Message.DeviceID
		}

		switch {
		case e.Err != nil:
			d.Status = statusForDecodeError(e.Err)
			d.Error = e.Err.Error()
		case e.Message == nil:
			d.Status = http.StatusBadRequest
			d.Error = "empty message"
		default:
			res := p.ValidateAndPrepare(ctx, e.Message)
			d.Accepted = res.Success
			d.Reason = res.Reason
			d.Status = res.StatusCode
			if !res.Success {
				d.Error = res.Detail
			}
		}

		if d.Accepted {
			out.Accepted++
		} else {
			out.Rejected++
		}
		out.Details = append(out.Details, d)
	}
	return out, nil
}

func statusForDecodeError(err error) int {
	if stderrors.Is(err, ErrMissingField) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

// Counters returns pipeline totals.
func (p *Pipeline) Counters() Counters {
	return Counters{
		Accepted:    p.accepted.Load(),
		Rejected:    p.rejected.Load(),
		ParseErrors: p.parseErrors.Load(),
		SinkErrors:  p.sinkErrors.Load(),
	}
}
