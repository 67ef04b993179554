package sink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
)

func TestInfluxWriter_Write(t *testing.T) {
	var (
		gotBody  string
		gotQuery string
		gotAuth  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody, gotQuery, gotAuth = string(body), r.URL.RawQuery, r.Header.Get("Authorization")
		assert.Equal(t, "/api/v2/write", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := NewInfluxWriter(InfluxConfig{URL: srv.URL + "/", Org: "acme", Bucket: "telemetry", Token: "secret"}, nil)
	require.NoError(t, err)

	require.NoError(t, w.Write(context.Background(), []string{"heartbeat,device_id=d1 1", "heartbeat,device_id=d2 2"}))
	assert.Equal(t, "heartbeat,device_id=d1 1\nheartbeat,device_id=d2 2", gotBody)
	assert.Equal(t, "bucket=telemetry&org=acme&precision=ns", gotQuery)
	assert.Equal(t, "Token secret", gotAuth)
}

func TestInfluxWriter_StatusClasses(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{status: http.StatusBadRequest, transient: false},
		{status: http.StatusTooManyRequests, transient: true},
		{status: http.StatusServiceUnavailable, transient: true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			w, err := NewInfluxWriter(InfluxConfig{URL: srv.URL, Bucket: "b"}, srv.Client())
			require.NoError(t, err)

			err = w.Write(context.Background(), []string{"x 1"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.IsTransient(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestInfluxConfig_Validate(t *testing.T) {
	assert.Error(t, InfluxConfig{Bucket: "b"}.Validate())
	assert.Error(t, InfluxConfig{URL: "::bad", Bucket: "b"}.Validate())
	assert.Error(t, InfluxConfig{URL: "http://influx:8086"}.Validate())
	assert.NoError(t, InfluxConfig{URL: "http://influx:8086", Bucket: "b"}.Validate())
}

type fakeBatch struct {
	driver.Batch
	rows    [][]any
	sent    bool
	aborted bool
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	b.sent = true
	return nil
}

func (b *fakeBatch) Abort() error {
	b.aborted = true
	return nil
}

type fakePreparer struct {
	query string
	batch *fakeBatch
}

func (p *fakePreparer) PrepareBatch(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	p.query = query
	p.batch = &fakeBatch{}
	return p.batch, nil
}

func TestClickHouseWriter_Write(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	conn := &fakePreparer{}
	w := &ClickHouseWriter{conn: conn, now: func() time.Time { return now }}

	records := []string{
		"telemetry,device_id=d1,site_id=s1 seq=1i 1",
		"ingest_error,tenant_id=t1 bytes=3i 2",
		`odd\ name x=1 3`,
	}
	require.NoError(t, w.Write(context.Background(), records))

	assert.Equal(t, clickHouseInsert, conn.query)
	require.True(t, conn.batch.sent)
	require.Len(t, conn.batch.rows, 3)
	assert.Equal(t, []any{now, "telemetry", records[0]}, conn.batch.rows[0])
	assert.Equal(t, "ingest_error", conn.batch.rows[1][1])
	assert.Equal(t, "odd name", conn.batch.rows[2][1])
}

func TestClickHouseWriter_EmptyBatch(t *testing.T) {
	conn := &fakePreparer{}
	w := &ClickHouseWriter{conn: conn, now: time.Now}
	require.NoError(t, w.Write(context.Background(), nil))
	assert.Nil(t, conn.batch)
}
