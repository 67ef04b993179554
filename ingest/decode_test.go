package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/lineproto"
)

func TestDecodeMessage(t *testing.T) {
	received := time.Unix(1709294400, 0)

	tests := []struct {
		name      string
		msgType   string
		token     string
		body      string
		wantErr   error
		wantParse bool
		check     func(t *testing.T, m *Message)
	}{
		{
			name:    "telemetry",
			msgType: "telemetry",
			token:   "tok",
			body:    `{"site_id":"s1","seq":"12","metrics":{"temp":21.5,"count":3,"on":true,"label":"x"},"ts":1709294400123}`,
			check: func(t *testing.T, m *Message) {
				assert.Equal(t, "s1", m.SiteID)
				assert.True(t, m.HasSeq)
				assert.Equal(t, int64(12), m.Seq)
				assert.Equal(t, lineproto.KindFloat, m.Metrics["temp"].Kind())
				assert.Equal(t, lineproto.KindInt, m.Metrics["count"].Kind())
				assert.Equal(t, lineproto.KindBool, m.Metrics["on"].Kind())
				assert.Equal(t, lineproto.KindString, m.Metrics["label"].Kind())
				assert.NotNil(t, m.DeclaredTS)
				assert.Equal(t, SourceHTTP, m.Source)
			},
		},
		{
			name:    "timestamp alias",
			msgType: "heartbeat",
			token:   "tok",
			body:    `{"site_id":"s1","timestamp":"2024-03-01T12:00:00Z"}`,
			check: func(t *testing.T, m *Message) {
				assert.Equal(t, "2024-03-01T12:00:00Z", m.DeclaredTS)
				assert.False(t, m.HasSeq)
			},
		},
		{
			name:      "malformed body",
			msgType:   "telemetry",
			token:     "tok",
			body:      `[1,2`,
			wantParse: true,
			check: func(t *testing.T, m *Message) {
				assert.Empty(t, m.SiteID)
				assert.Equal(t, []byte(`[1,2`), m.Raw)
			},
		},
		{name: "unknown type", msgType: "status", token: "tok", body: `{}`, wantErr: ErrInvalidMsgType},
		{name: "missing token", msgType: "telemetry", body: `{"site_id":"s1"}`, wantErr: ErrMissingField},
		{name: "missing site", msgType: "telemetry", token: "tok", body: `{"seq":1}`, wantErr: ErrMissingField},
		{name: "blank site", msgType: "telemetry", token: "tok", body: `{"site_id":"  "}`, wantErr: ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := DecodeMessage("t1", "d1", tt.msgType, tt.token, []byte(tt.body), received)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantParse, m.ParseError)
			assert.Equal(t, received, m.ReceivedAt)
			if tt.check != nil {
				tt.check(t, m)
			}
		})
	}
}

func TestDecodeBatch(t *testing.T) {
	entries, err := DecodeBatch([]byte(`{"messages":[
		{"tenant_id":"t1","device_id":"d1","msg_type":"telemetry","provision_token":"a","site_id":"s","metrics":{"v":1}},
		{"device_id":"d2","msg_type":"telemetry","site_id":"s"},
		{"tenant_id":"t1","device_id":"d3","msg_type":"telemetry","provision_token":"a"},
		"not an object"
	]}`), time.Now())
	require.NoError(t, err)
	require.Len(t, entries, 4)

	require.NoError(t, entries[0].Err)
	assert.Equal(t, SourceBatch, entries[0].Message.Source)
	assert.Equal(t, "t1", entries[0].Message.TenantID)

	assert.ErrorIs(t, entries[1].Err, ErrMissingField)
	assert.Contains(t, entries[1].Err.Error(), "tenant_id, provision_token")

	assert.ErrorIs(t, entries[2].Err, ErrMissingField)
	assert.Contains(t, entries[2].Err.Error(), "site_id")

	assert.ErrorIs(t, entries[3].Err, errors.ErrParsingFailed)
	assert.Nil(t, entries[3].Message)
}

func TestDecodeBatch_InvalidBody(t *testing.T) {
	for _, body := range []string{`nope`, `{}`, `[]`} {
		_, err := DecodeBatch([]byte(body), time.Now())
		assert.Error(t, err, body)
		assert.True(t, errors.IsInvalid(err), body)
	}
}

func TestDecodeLimited(t *testing.T) {
	body := []byte(`{"site_id":"s","metrics":{"v":1}}`)

	msg, err := DecodeLimited("t1", "d1", "telemetry", "tok", body, len(body), time.Now())
	require.NoError(t, err)
	assert.False(t, msg.ParseError)
	assert.Equal(t, "s", msg.SiteID)

	msg, err = DecodeLimited("t1", "d1", "telemetry", "tok", body, len(body)-1, time.Now())
	require.NoError(t, err)
	assert.True(t, msg.ParseError)
	assert.Equal(t, body, msg.Raw)

	_, err = DecodeLimited("t1", "d1", "telemetry", "", body, 1, time.Now())
	assert.ErrorIs(t, err, ErrMissingField)
}
