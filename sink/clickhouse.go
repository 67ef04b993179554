package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
)

const clickHouseSchema = `CREATE TABLE IF NOT EXISTS telemetry_lines (
	received_at DateTime64(9),
	measurement String,
	line String
) ENGINE = MergeTree
ORDER BY (measurement, received_at)`

const clickHouseInsert = `INSERT INTO telemetry_lines (received_at, measurement, line)`

// ClickHouseConfig addresses a ClickHouse server.
type ClickHouseConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Database string `json:"database" yaml:"database"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"-" yaml:"-"`
}

// batchPreparer is the part of driver.Conn the writer needs.
type batchPreparer interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

// ClickHouseWriter stores raw line records, one row per record.
type ClickHouseWriter struct {
	conn batchPreparer
	now  func() time.Time
}

// OpenClickHouse connects with LZ4 compression, pings and creates the
// telemetry_lines table if needed.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "ClickHouseWriter", "OpenClickHouse", "open connection")
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, errors.WrapTransient(err, "ClickHouseWriter", "OpenClickHouse", "ping")
	}
	if err := conn.Exec(ctx, clickHouseSchema); err != nil {
		_ = conn.Close()
		return nil, errors.WrapFatal(err, "ClickHouseWriter", "OpenClickHouse", "create table")
	}
	return conn, nil
}

// NewClickHouseWriter wraps an open connection.
func NewClickHouseWriter(conn driver.Conn) *ClickHouseWriter {
	return &ClickHouseWriter{conn: conn, now: time.Now}
}

func (w *ClickHouseWriter) Write(ctx context.Context, records []string) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, clickHouseInsert)
	if err != nil {
		return errors.WrapTransient(err, "ClickHouseWriter", "Write", "prepare batch")
	}

	receivedAt := w.now()
	for i, line := range records {
		if err := batch.Append(receivedAt, measurementOf(line), line); err != nil {
			_ = batch.Abort()
			return errors.WrapInvalid(fmt.Errorf("record %d: %w", i, err), "ClickHouseWriter", "Write", "append row")
		}
	}
	if err := batch.Send(); err != nil {
		return errors.WrapTransient(err, "ClickHouseWriter", "Write", "send batch")
	}
	return nil
}

// measurementOf returns the measurement name of an encoded record, the text
// before the first unescaped comma or space.
func measurementOf(line string) string {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case ',', ' ':
			return strings.ReplaceAll(line[:i], `\`, "")
		}
	}
	return line
}
