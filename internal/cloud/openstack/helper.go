package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/cloud"
	"github.com/gophercloud/gophercloud/v2"
)

// isRetryable determines if an error from a setup call (auth, lookups) is transient.
// Capacity is not handled here; launch attempts are never passed through this helper.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	status := 0
	var gopherErr gophercloud.ErrUnexpectedResponseCode
	var serviceErr *cloud.ServiceError
	switch {
	case errors.As(err, &gopherErr):
		status = gopherErr.Actual
	case errors.As(err, &serviceErr):
		status = serviceErr.Status
	default:
		// DNS failures, connection resets and similar transport errors.
		return true
	}

	switch status {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ExecuteAction runs operation with exponential backoff and jitter, bounded by
// cfg.MaxRetries and cfg.OperationTimeout.
func ExecuteAction(ctx context.Context, cfg cloud.RetryConfig, opName string, operation func(ctx context.Context) error) error {
	if cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.OperationTimeout)
		defer cancel()
	}

	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%s stopped before attempt %d: %w", opName, attempt+1, ctx.Err())
		}

		lastErr = operation(ctx)
		if lastErr == nil {
			return nil
		}

		if !isRetryable(lastErr) {
			return lastErr
		}

		if attempt == cfg.MaxRetries {
			break
		}

		sleepDuration := backoffDelay(cfg, attempt)
		slog.Warn("Transient error detected, scheduling retry",
			"operation", opName,
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"retry_in", sleepDuration,
			"error", lastErr)

		select {
		case <-time.After(sleepDuration):
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled during backoff: %w", opName, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d retries: %w", opName, cfg.MaxRetries, lastErr)
}

// backoffDelay is BaseDelay * 2^attempt plus up to 50% jitter, capped at MaxDelay.
func backoffDelay(cfg cloud.RetryConfig, attempt int) time.Duration {
	backoff := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	var jitter time.Duration
	if half := int64(backoff) / 2; half > 0 {
		jitter = time.Duration(rand.Int64N(half))
	}
	delay := time.Duration(backoff) + jitter
	if cfg.MaxDelay > 0 {
		delay = min(delay, cfg.MaxDelay)
	}
	return delay
}
