package credential

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/pkg/retry"
)

// ErrNotFound is returned by a Store when no credential exists for the device.
var ErrNotFound = errors.ErrCredentialNotFound

// Store looks up the provisioned credential of one device.
type Store interface {
	Lookup(ctx context.Context, tenantID, deviceID string) (Record, error)
}

// StoreFunc adapts a function to Store.
type StoreFunc func(ctx context.Context, tenantID, deviceID string) (Record, error)

// Lookup calls f.
func (f StoreFunc) Lookup(ctx context.Context, tenantID, deviceID string) (Record, error) {
	return f(ctx, tenantID, deviceID)
}

const DefaultLookupTimeout = 2 * time.Second

// TimeoutStore bounds every lookup on the wrapped store with its own
// deadline and retries transient failures. ErrNotFound is never retried.
type TimeoutStore struct {
	store   Store
	timeout time.Duration
	retry   retry.Config
	logger  *slog.Logger
}

// NewTimeoutStore wraps store. A non-positive timeout uses DefaultLookupTimeout.
func NewTimeoutStore(store Store, timeout time.Duration, attempts int, logger *slog.Logger) *TimeoutStore {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	if attempts <= 0 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeoutStore{
		store:   store,
		timeout: timeout,
		retry: retry.Config{
			MaxAttempts:  attempts,
			InitialDelay: 25 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			Multiplier:   2.0,
			AddJitter:    true,
		},
		logger: logger.With("component", "credential-store"),
	}
}

// Lookup queries the wrapped store within the configured deadline.
func (s *TimeoutStore) Lookup(ctx context.Context, tenantID, deviceID string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := retry.DoWithResult(ctx, s.retry, func() (Record, error) {
		rec, err := s.store.Lookup(ctx, tenantID, deviceID)
		switch {
		case err == nil:
			return rec, nil
		case stderrors.Is(err, ErrNotFound), !errors.IsTransient(err):
			return Record{}, retry.NonRetryable(err)
		default:
			return Record{}, err
		}
	})
	if err == nil {
		return rec, nil
	}
	if stderrors.Is(err, ErrNotFound) {
		return Record{}, ErrNotFound
	}

	s.logger.Warn("credential lookup failed",
		"tenant_id", tenantID, "device_id", deviceID, "timeout", s.timeout, "error", err)
	return Record{}, errors.WrapTransient(err, "TimeoutStore", "Lookup", "credential lookup")
}
