package sink

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var defaultDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// isRetryableError reports whether err is a transient database or network failure.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Check if the error is a PostgreSQL error
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgErr.Code == pgerrcode.AdminShutdown
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Check any network errors
	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "connection reset by peer")
}

// retry runs op until it succeeds, reports a permanent failure, or the delays are used up.
// op returns whether its error is worth another attempt.
func retry(ctx context.Context, delays []time.Duration, logger *zap.SugaredLogger, op func() (bool, error)) error {
	var lastErr error
	for attempt := 0; attempt <= len(delays); attempt++ {
		if attempt > 0 {
			delay := delays[attempt-1]
			logger.Debugf("Retry attempt %d after %v delay", attempt, delay)
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}
		}

		retryable, err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		logger.Debugf("Retryable error occurred: %v", err)
	}
	return lastErr
}
