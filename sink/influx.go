package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
)

// InfluxConfig addresses an InfluxDB v2 write endpoint.
type InfluxConfig struct {
	URL     string        `json:"url" yaml:"url"`
	Org     string        `json:"org" yaml:"org"`
	Bucket  string        `json:"bucket" yaml:"bucket"`
	Token   string        `json:"-" yaml:"-"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// Validate checks the configuration for errors
func (c InfluxConfig) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "InfluxConfig", "Validate", "url is required")
	}
	if _, err := url.ParseRequestURI(c.URL); err != nil {
		return errors.WrapInvalid(err, "InfluxConfig", "Validate", "invalid URL format")
	}
	if c.Bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "InfluxConfig", "Validate", "bucket is required")
	}
	return nil
}

// InfluxWriter posts newline-joined line records to /api/v2/write.
type InfluxWriter struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewInfluxWriter builds a writer. client may be nil.
func NewInfluxWriter(cfg InfluxConfig, client *http.Client) (*InfluxWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	q := url.Values{}
	q.Set("org", cfg.Org)
	q.Set("bucket", cfg.Bucket)
	q.Set("precision", "ns")

	return &InfluxWriter{
		endpoint:   strings.TrimRight(cfg.URL, "/") + "/api/v2/write?" + q.Encode(),
		token:      cfg.Token,
		httpClient: client,
	}, nil
}

func (w *InfluxWriter) Write(ctx context.Context, records []string) error {
	if len(records) == 0 {
		return nil
	}

	body := strings.Join(records, "\n")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader([]byte(body)))
	if err != nil {
		return errors.WrapInvalid(err, "InfluxWriter", "Write", "build request")
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if w.token != "" {
		req.Header.Set("Authorization", "Token "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "InfluxWriter", "Write", "post records")
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.WrapTransient(fmt.Errorf("%w: HTTP %d: %s", errors.ErrStorageUnavailable, resp.StatusCode, bytes.TrimSpace(msg)),
			"InfluxWriter", "Write", "post records")
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: HTTP %d: %s", errors.ErrSinkRejected, resp.StatusCode, bytes.TrimSpace(msg)),
			"InfluxWriter", "Write", "post records")
	}
}
