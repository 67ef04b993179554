// Package config loads the gateway configuration.
//
// Values are layered: built-in defaults, then an optional JSON or YAML file,
// then a .env file, then process environment variables. The result is
// validated before use.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/pulse/gateway.yaml")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/admission"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/bridge"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/credential"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
	gatewayhttp "github.com/andrewcho-dev/opsconductor-pulse-sub002/gateway/http"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/ingest"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/pkg/tlsutil"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/sink"
)

// Credential store backends.
const (
	CredentialPostgres = "postgres"
	CredentialDynamoDB = "dynamodb"
	CredentialFile     = "file"
)

// Sink backends.
const (
	SinkLog        = "log"
	SinkInflux     = "influx"
	SinkClickHouse = "clickhouse"
)

// Config is the complete gateway configuration.
type Config struct {
	HTTP       HTTPConfig       `json:"http"`
	MQTT       MQTTConfig       `json:"mqtt"`
	NATS       NATSConfig       `json:"nats"`
	Ingest     ingest.Config    `json:"ingest"`
	Limits     admission.Limits `json:"limits"`
	Credential CredentialConfig `json:"credential"`
	Sink       SinkConfig       `json:"sink"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// HTTPConfig is the ingest listener.
type HTTPConfig struct {
	gatewayhttp.ServerConfig
	TLS tlsutil.ServerConfig `json:"tls"`
}

// MQTTConfig is the protocol bridge and its broker connection.
type MQTTConfig struct {
	Enabled bool `json:"enabled"`
	bridge.Config
	ClientTLS tlsutil.ClientConfig `json:"client_tls"`
}

// NATSConfig is the message bus connection.
type NATSConfig struct {
	URL           string        `json:"url"`
	Name          string        `json:"name,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"-"`
	Token         string        `json:"-"`
	MaxReconnects int           `json:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait"`
	PingInterval  time.Duration `json:"ping_interval"`
	DrainTimeout  time.Duration `json:"drain_timeout"`

	TLS       bool                 `json:"tls"`
	ClientTLS tlsutil.ClientConfig `json:"client_tls"`

	// Stream, when set, is created over the telemetry, shadow and command
	// subjects so published messages are retained.
	Stream string `json:"stream,omitempty"`
}

// CredentialConfig selects the credential store and tunes the cache in
// front of it.
type CredentialConfig struct {
	Backend        string        `json:"backend"`
	DatabaseURL    string        `json:"-"`
	DynamoDBTable  string        `json:"dynamodb_table,omitempty"`
	FilePath       string        `json:"file_path,omitempty"`
	CacheTTL       time.Duration `json:"cache_ttl"`
	CacheMaxSize   int           `json:"cache_max_size"`
	LookupTimeout  time.Duration `json:"lookup_timeout"`
	LookupAttempts int           `json:"lookup_attempts"`
}

// SinkConfig selects where encoded line records go.
type SinkConfig struct {
	Backend    string                `json:"backend"`
	Batcher    sink.BatcherConfig    `json:"batcher"`
	Influx     sink.InfluxConfig     `json:"influx"`
	ClickHouse sink.ClickHouseConfig `json:"clickhouse"`
}

// MetricsConfig places the Prometheus endpoint. Port 0 mounts /metrics on
// the ingest listener instead of a dedicated server.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{ServerConfig: gatewayhttp.DefaultServerConfig()},
		MQTT: MQTTConfig{Enabled: true, Config: bridge.DefaultConfig()},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "pulse-ingest",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			PingInterval:  30 * time.Second,
			DrainTimeout:  30 * time.Second,
			Stream:        "TELEMETRY",
		},
		Ingest: ingest.Config{
			MaxPayloadBytes: ingest.DefaultMaxPayloadBytes,
			MaxBatchSize:    ingest.DefaultMaxBatchSize,
		},
		Limits: admission.DefaultLimits(),
		Credential: CredentialConfig{
			Backend:        CredentialPostgres,
			CacheTTL:       credential.DefaultTTL,
			CacheMaxSize:   credential.DefaultMaxSize,
			LookupTimeout:  credential.DefaultLookupTimeout,
			LookupAttempts: 2,
		},
		Sink: SinkConfig{
			Backend: SinkLog,
			Batcher: sink.BatcherConfig{
				BufferSize:    sink.DefaultBufferSize,
				BatchSize:     sink.DefaultBatchSize,
				FlushInterval: sink.DefaultFlushInterval,
				WriteTimeout:  sink.DefaultWriteTimeout,
			},
			Influx: sink.InfluxConfig{Timeout: 10 * time.Second},
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return invalid("http.addr is required")
	}
	if c.HTTP.TLS.Enabled && (c.HTTP.TLS.CertFile == "" || c.HTTP.TLS.KeyFile == "") {
		return invalid("http.tls requires cert_file and key_file")
	}
	if err := validateTLSVersion(c.HTTP.TLS.MinVersion); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "http.tls.min_version")
	}

	if c.MQTT.Enabled {
		if err := c.MQTT.Config.Validate(); err != nil {
			return err
		}
		if err := validateTLSVersion(c.MQTT.ClientTLS.MinVersion); err != nil {
			return errors.WrapInvalid(err, "Config", "Validate", "mqtt.client_tls.min_version")
		}
	}

	if c.NATS.URL == "" {
		return invalid("nats.url is required")
	}
	for _, u := range strings.Split(c.NATS.URL, ",") {
		if _, err := url.Parse(strings.TrimSpace(u)); err != nil {
			return errors.WrapInvalid(err, "Config", "Validate", "nats.url")
		}
	}
	if err := validateTLSVersion(c.NATS.ClientTLS.MinVersion); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "nats.client_tls.min_version")
	}

	if c.Ingest.MaxPayloadBytes <= 0 {
		return invalid("ingest.max_payload_bytes must be positive")
	}
	if c.Ingest.MaxBatchSize <= 0 {
		return invalid("ingest.max_batch_size must be positive")
	}
	if c.Limits.DeviceBurst < 0 || c.Limits.TenantBurst < 0 || c.Limits.GlobalBurst < 0 {
		return invalid("limits burst must not be negative")
	}

	if err := c.validateCredential(); err != nil {
		return err
	}
	return c.validateSink()
}

func (c *Config) validateCredential() error {
	cc := c.Credential
	switch cc.Backend {
	case CredentialPostgres:
		if cc.DatabaseURL == "" {
			return invalid("credential backend postgres requires DATABASE_URL")
		}
	case CredentialDynamoDB:
		if cc.DynamoDBTable == "" {
			return invalid("credential backend dynamodb requires credential.dynamodb_table")
		}
	case CredentialFile:
		if cc.FilePath == "" {
			return invalid("credential backend file requires credential.file_path")
		}
	default:
		return invalid(fmt.Sprintf("unknown credential backend %q", cc.Backend))
	}
	if cc.CacheTTL <= 0 {
		return invalid("credential.cache_ttl must be positive")
	}
	if cc.CacheMaxSize <= 0 {
		return invalid("credential.cache_max_size must be positive")
	}
	return nil
}

func (c *Config) validateSink() error {
	switch c.Sink.Backend {
	case SinkLog:
		return nil
	case SinkInflux:
		return c.Sink.Influx.Validate()
	case SinkClickHouse:
		if c.Sink.ClickHouse.Addr == "" {
			return invalid("sink backend clickhouse requires sink.clickhouse.addr")
		}
		return nil
	default:
		return invalid(fmt.Sprintf("unknown sink backend %q", c.Sink.Backend))
	}
}

// validateTLSVersion accepts "", "1.2" and "1.3".
func validateTLSVersion(version string) error {
	switch version {
	case "", "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("invalid TLS version %q (must be \"1.2\" or \"1.3\")", version)
	}
}

func invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", msg)
}
