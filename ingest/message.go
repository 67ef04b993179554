// Package ingest validates device messages and hands accepted ones to the
// time-series sink.
package ingest

import (
	"net/http"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/lineproto"
)

// Reason is the outcome code of one message.
type Reason string

const (
	ReasonOK              Reason = "OK"
	ReasonTokenInvalid    Reason = "TOKEN_INVALID"
	ReasonDeviceRevoked   Reason = "DEVICE_REVOKED"
	ReasonRateLimited     Reason = "RATE_LIMITED"
	ReasonPayloadTooLarge Reason = "PAYLOAD_TOO_LARGE"
)

// Source labels where a message entered the gateway.
const (
	SourceHTTP  = "http"
	SourceBatch = "batch"
	SourceMQTT  = "mqtt"
)

// Message is one device message after decoding.
type Message struct {
	TenantID       string
	DeviceID       string
	MsgType        string
	SiteID         string
	Seq            int64
	HasSeq         bool
	Metrics        map[string]lineproto.Value
	ProvisionToken string
	ReceivedAt     time.Time
	// DeclaredTS is the raw "ts" or "timestamp" value from the body.
	DeclaredTS any
	// Timestamp is set by the pipeline: DeclaredTS if it parses, else ReceivedAt.
	Timestamp  time.Time
	Raw        []byte
	ParseError bool
	Source     string
}

// Result is the outcome of validating one message.
type Result struct {
	Success    bool
	Reason     Reason
	StatusCode int
	Detail     string
}

func accepted() Result {
	return Result{Success: true, Reason: ReasonOK, StatusCode: http.StatusAccepted}
}

func rejected(reason Reason, status int, detail string) Result {
	return Result{Reason: reason, StatusCode: status, Detail: detail}
}

// BatchEntry is one decoded batch element. Entries with Err set are
// rejected without running the pipeline.
type BatchEntry struct {
	Message *Message
	Err     error
}

// BatchDetail reports the outcome of one batch element.
type BatchDetail struct {
	Index    int    `json:"index"`
	TenantID string `json:"tenant_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason,omitempty"`
	Status   int    `json:"status"`
	Error    string `json:"error,omitempty"`
}

// BatchResult aggregates a batch.
type BatchResult struct {
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Details  []BatchDetail `json:"details"`
}
