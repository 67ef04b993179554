package ingest

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/lineproto"
)

var (
	// ErrInvalidMsgType is returned for message types other than telemetry and heartbeat.
	ErrInvalidMsgType = stderrors.New("invalid msg_type")
	// ErrMissingField is returned when a required header or body field is absent.
	ErrMissingField = stderrors.New("missing required field")
)

type body struct {
	SiteID    *string        `json:"site_id"`
	Seq       any            `json:"seq"`
	Metrics   map[string]any `json:"metrics"`
	TS        any            `json:"ts"`
	Timestamp any            `json:"timestamp"`
}

type batchItem struct {
	body
	TenantID       string `json:"tenant_id"`
	DeviceID       string `json:"device_id"`
	MsgType        string `json:"msg_type"`
	ProvisionToken string `json:"provision_token"`
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// DecodeMessage builds a Message from a single-message request. A body that
// is not a JSON object yields a Message with ParseError set rather than an
// error. A well-formed body without site_id is ErrMissingField.
func DecodeMessage(tenantID, deviceID, msgType, token string, data []byte, receivedAt time.Time) (*Message, error) {
	if !lineproto.IsRecognized(msgType) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q", ErrInvalidMsgType, msgType), "ingest", "DecodeMessage", "check msg_type")
	}
	if token == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: X-Provision-Token", ErrMissingField), "ingest", "DecodeMessage", "check token")
	}

	msg := &Message{
		TenantID:       tenantID,
		DeviceID:       deviceID,
		MsgType:        msgType,
		ProvisionToken: token,
		ReceivedAt:     receivedAt,
		Raw:            data,
		Source:         SourceHTTP,
	}

	var b body
	if err := decodeJSON(data, &b); err != nil {
		msg.ParseError = true
		return msg, nil
	}
	if err := applyBody(msg, b); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeLimited decodes a body read through a limit of max+1 bytes. An
// oversize body is kept raw and not decoded, so the pipeline can reject it as
// too large after authenticating the device.
func DecodeLimited(tenantID, deviceID, msgType, token string, data []byte, max int, receivedAt time.Time) (*Message, error) {
	if len(data) <= max {
		return DecodeMessage(tenantID, deviceID, msgType, token, data, receivedAt)
	}
	msg, err := DecodeMessage(tenantID, deviceID, msgType, token, nil, receivedAt)
	if err != nil {
		return nil, err
	}
	msg.Raw = data
	return msg, nil
}

func applyBody(msg *Message, b body) error {
	if b.SiteID == nil || strings.TrimSpace(*b.SiteID) == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: site_id", ErrMissingField), "ingest", "decode", "check site_id")
	}
	msg.SiteID = *b.SiteID
	if b.Seq != nil {
		msg.Seq, msg.HasSeq = lineproto.SeqValue(b.Seq)
	}
	if len(b.Metrics) > 0 {
		msg.Metrics = make(map[string]lineproto.Value, len(b.Metrics))
		for k, v := range b.Metrics {
			msg.Metrics[k] = lineproto.ValueOf(v)
		}
	}
	msg.DeclaredTS = b.TS
	if msg.DeclaredTS == nil {
		msg.DeclaredTS = b.Timestamp
	}
	return nil
}

// DecodeBatch splits a {"messages": [...]} body into entries. Malformed
// elements become entries with Err set. A body that is not such an object
// is an error.
func DecodeBatch(data []byte, receivedAt time.Time) ([]BatchEntry, error) {
	var envelope struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := decodeJSON(data, &envelope); err != nil {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "ingest", "DecodeBatch", "decode batch body")
	}
	if envelope.Messages == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: messages", ErrMissingField), "ingest", "DecodeBatch", "check messages")
	}

	entries := make([]BatchEntry, len(envelope.Messages))
	for i, raw := range envelope.Messages {
		entries[i] = decodeBatchItem(raw, receivedAt)
	}
	return entries, nil
}

func decodeBatchItem(raw json.RawMessage, receivedAt time.Time) BatchEntry {
	var item batchItem
	if err := decodeJSON(raw, &item); err != nil {
		return BatchEntry{Err: errors.WrapInvalid(errors.ErrParsingFailed, "ingest", "DecodeBatch", "decode message")}
	}

	msg := &Message{
		TenantID:       item.TenantID,
		DeviceID:       item.DeviceID,
		MsgType:        item.MsgType,
		ProvisionToken: item.ProvisionToken,
		ReceivedAt:     receivedAt,
		Raw:            raw,
		Source:         SourceBatch,
	}

	var missing []string
	for _, f := range [][2]string{
		{"tenant_id", item.TenantID},
		{"device_id", item.DeviceID},
		{"provision_token", item.ProvisionToken},
	} {
		if f[1] == "" {
			missing = append(missing, f[0])
		}
	}
	if len(missing) > 0 {
		return BatchEntry{Message: msg, Err: fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))}
	}
	if !lineproto.IsRecognized(item.MsgType) {
		return BatchEntry{Message: msg, Err: fmt.Errorf("%w: %q", ErrInvalidMsgType, item.MsgType)}
	}
	if err := applyBody(msg, item.body); err != nil {
		return BatchEntry{Message: msg, Err: fmt.Errorf("%w: site_id", ErrMissingField)}
	}
	return BatchEntry{Message: msg}
}
