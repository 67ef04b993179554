package bridge

import (
	"encoding/json"
	"strings"
)

// Bus subject prefixes the bridge publishes to.
const (
	SubjectTelemetry = "telemetry"
	SubjectShadow    = "shadow"
	SubjectCommands  = "commands"
)

// Envelope is the canonical form of one inbound broker message.
type Envelope struct {
	Topic     string
	TenantID  string
	DeviceID  string
	MsgType   string
	Payload   []byte
	ArrivalMS int64
}

type envelopeJSON struct {
	Topic     string `json:"topic"`
	TenantID  string `json:"tenant_id"`
	DeviceID  string `json:"device_id"`
	MsgType   string `json:"msg_type"`
	Payload   any    `json:"payload"`
	ArrivalMS int64  `json:"arrival_ms"`
}

// MarshalJSON embeds a JSON payload as-is and anything else as a string.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := envelopeJSON{
		Topic:     e.Topic,
		TenantID:  e.TenantID,
		DeviceID:  e.DeviceID,
		MsgType:   e.MsgType,
		ArrivalMS: e.ArrivalMS,
	}
	switch {
	case len(e.Payload) == 0:
		out.Payload = nil
	case json.Valid(e.Payload):
		out.Payload = json.RawMessage(e.Payload)
	default:
		out.Payload = string(e.Payload)
	}
	return json.Marshal(out)
}

// decodedPayload returns the payload as an object, or nil when it is not one.
func (e Envelope) decodedPayload() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil
	}
	return m
}

// ParseTopic splits tenant/{tenant}/device/{device}/{subtype...}. The subtype
// keeps its own slashes, e.g. "ota/status".
func ParseTopic(topic string) (tenant, device, subtype string, ok bool) {
	parts := strings.SplitN(topic, "/", 5)
	if len(parts) != 5 || parts[0] != "tenant" || parts[2] != "device" {
		return "", "", "", false
	}
	if parts[1] == "" || parts[3] == "" || parts[4] == "" {
		return "", "", "", false
	}
	return parts[1], parts[3], parts[4], true
}

// SubjectFor classifies a subtype into its bus subject for tenant. Subtypes
// that are neither shadow nor command traffic go to telemetry.
func SubjectFor(subtype, tenant string) string {
	switch {
	case strings.HasPrefix(subtype, "shadow"), strings.HasPrefix(subtype, "state"):
		return SubjectShadow + "." + tenant
	case strings.HasPrefix(subtype, "commands"), strings.HasPrefix(subtype, "ota/"):
		return SubjectCommands + "." + tenant
	default:
		return SubjectTelemetry + "." + tenant
	}
}
