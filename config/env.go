package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
)

func lookupEnv(key string) string {
	return os.Getenv(key)
}

// envSetter applies one variable; it returns an error for a malformed value.
type envSetter func(cfg *Config, value string) error

// envOverrides lists the recognized variables. RPS and BURST are the
// per-device limits.
var envOverrides = map[string]envSetter{
	"HTTP_ADDR":     setString(func(c *Config) *string { return &c.HTTP.Addr }),
	"TLS_CERT_FILE": setString(func(c *Config) *string { return &c.HTTP.TLS.CertFile }),
	"TLS_KEY_FILE":  setString(func(c *Config) *string { return &c.HTTP.TLS.KeyFile }),
	"TLS_ENABLED":   setBool(func(c *Config) *bool { return &c.HTTP.TLS.Enabled }),

	"MAX_PAYLOAD_BYTES": setInt(func(c *Config) *int { return &c.Ingest.MaxPayloadBytes }),
	"MAX_BATCH_SIZE":    setInt(func(c *Config) *int { return &c.Ingest.MaxBatchSize }),
	"PUBLISH_ACCEPTED":  setBool(func(c *Config) *bool { return &c.Ingest.PublishAccepted }),

	"RPS":          setFloat(func(c *Config) *float64 { return &c.Limits.DeviceRPS }),
	"BURST":        setInt(func(c *Config) *int { return &c.Limits.DeviceBurst }),
	"TENANT_RPS":   setFloat(func(c *Config) *float64 { return &c.Limits.TenantRPS }),
	"TENANT_BURST": setInt(func(c *Config) *int { return &c.Limits.TenantBurst }),
	"GLOBAL_RPS":   setFloat(func(c *Config) *float64 { return &c.Limits.GlobalRPS }),
	"GLOBAL_BURST": setInt(func(c *Config) *int { return &c.Limits.GlobalBurst }),

	"CACHE_TTL_SECONDS": setSeconds(func(c *Config) *time.Duration { return &c.Credential.CacheTTL }),
	"CACHE_MAX_SIZE":    setInt(func(c *Config) *int { return &c.Credential.CacheMaxSize }),

	"MQTT_ENABLED":      setBool(func(c *Config) *bool { return &c.MQTT.Enabled }),
	"MQTT_HOST":         setString(func(c *Config) *string { return &c.MQTT.Host }),
	"MQTT_PORT":         setInt(func(c *Config) *int { return &c.MQTT.Port }),
	"MQTT_USERNAME":     setString(func(c *Config) *string { return &c.MQTT.Username }),
	"MQTT_PASSWORD":     setString(func(c *Config) *string { return &c.MQTT.Password }),
	"MQTT_CLIENT_ID":    setString(func(c *Config) *string { return &c.MQTT.ClientID }),
	"MQTT_TLS":          setBool(func(c *Config) *bool { return &c.MQTT.TLS }),
	"MQTT_CA_FILE":      setList(func(c *Config) *[]string { return &c.MQTT.ClientTLS.CAFiles }),
	"MQTT_TOPIC_FILTER": setString(func(c *Config) *string { return &c.MQTT.TopicFilter }),

	"NATS_URL":      setString(func(c *Config) *string { return &c.NATS.URL }),
	"NATS_USERNAME": setString(func(c *Config) *string { return &c.NATS.Username }),
	"NATS_PASSWORD": setString(func(c *Config) *string { return &c.NATS.Password }),
	"NATS_TOKEN":    setString(func(c *Config) *string { return &c.NATS.Token }),
	"NATS_STREAM":   setString(func(c *Config) *string { return &c.NATS.Stream }),
	"NATS_TLS":      setBool(func(c *Config) *bool { return &c.NATS.TLS }),
	"NATS_CA_FILE":  setList(func(c *Config) *[]string { return &c.NATS.ClientTLS.CAFiles }),

	"CREDENTIAL_BACKEND":         setString(func(c *Config) *string { return &c.Credential.Backend }),
	"DATABASE_URL":               setString(func(c *Config) *string { return &c.Credential.DatabaseURL }),
	"DYNAMODB_CREDENTIALS_TABLE": setString(func(c *Config) *string { return &c.Credential.DynamoDBTable }),
	"CREDENTIALS_FILE":           setString(func(c *Config) *string { return &c.Credential.FilePath }),

	"SINK_BACKEND":        setString(func(c *Config) *string { return &c.Sink.Backend }),
	"INFLUX_URL":          setString(func(c *Config) *string { return &c.Sink.Influx.URL }),
	"INFLUX_ORG":          setString(func(c *Config) *string { return &c.Sink.Influx.Org }),
	"INFLUX_BUCKET":       setString(func(c *Config) *string { return &c.Sink.Influx.Bucket }),
	"INFLUX_TOKEN":        setString(func(c *Config) *string { return &c.Sink.Influx.Token }),
	"CLICKHOUSE_ADDR":     setString(func(c *Config) *string { return &c.Sink.ClickHouse.Addr }),
	"CLICKHOUSE_DATABASE": setString(func(c *Config) *string { return &c.Sink.ClickHouse.Database }),
	"CLICKHOUSE_USERNAME": setString(func(c *Config) *string { return &c.Sink.ClickHouse.Username }),
	"CLICKHOUSE_PASSWORD": setString(func(c *Config) *string { return &c.Sink.ClickHouse.Password }),

	"METRICS_ENABLED": setBool(func(c *Config) *bool { return &c.Metrics.Enabled }),
	"METRICS_PORT":    setInt(func(c *Config) *int { return &c.Metrics.Port }),
}

// applyEnvOverrides applies every recognized variable that is set.
func applyEnvOverrides(cfg *Config, getenv func(string) string) error {
	for key, set := range envOverrides {
		value := getenv(key)
		if value == "" {
			continue
		}
		if err := validateEnvVar(key, value); err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", key)
		}
		if err := set(cfg, value); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%s=%q: %w", key, value, err), "Loader", "applyEnvOverrides", key)
		}
	}
	return nil
}

func setString(field func(*Config) *string) envSetter {
	return func(cfg *Config, value string) error {
		*field(cfg) = value
		return nil
	}
}

func setInt(field func(*Config) *int) envSetter {
	return func(cfg *Config, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

func setFloat(field func(*Config) *float64) envSetter {
	return func(cfg *Config, value string) error {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		*field(cfg) = f
		return nil
	}
}

func setBool(field func(*Config) *bool) envSetter {
	return func(cfg *Config, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

// setSeconds accepts whole or fractional seconds.
func setSeconds(field func(*Config) *time.Duration) envSetter {
	return func(cfg *Config, value string) error {
		secs, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		*field(cfg) = time.Duration(secs * float64(time.Second))
		return nil
	}
}

// setList splits a comma-separated value.
func setList(field func(*Config) *[]string) envSetter {
	return func(cfg *Config, value string) error {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*field(cfg) = items
		return nil
	}
}
