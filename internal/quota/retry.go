package quota

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/dl-alexandre/cloudstream/internal/logging"
	"github.com/dl-alexandre/cloudstream/internal/utils"
)

// executeWithRetry runs a provider API call, retrying rate limits and
// server errors with exponential backoff
func executeWithRetry[T any](ctx context.Context, p *Prober, op, remote string, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	logger := p.logger.WithContext(ctx)
	start := time.Now()

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			logger.Debug("Retrying API operation",
				logging.F("op", op),
				logging.F("remote", remote),
				logging.F("attempt", attempt),
			)
		}

		result, lastErr = fn()
		if lastErr == nil {
			logger.Debug("API operation completed",
				logging.F("op", op),
				logging.F("duration_ms", time.Since(start).Milliseconds()),
				logging.F("attempts", attempt+1),
			)
			return result, nil
		}

		if !isRetryable(lastErr) || attempt == p.maxRetries {
			break
		}

		delay := calculateBackoff(p.retryDelay, attempt, lastErr)
		logger.Warn("API operation failed (retryable)",
			logging.F("op", op),
			logging.F("attempt", attempt+1),
			logging.F("delay_ms", delay.Milliseconds()),
		)
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	return result, lastErr
}

func isRetryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return false
}

// calculateBackoff honours Retry-After, else doubles base per attempt with
// +/-25% jitter, capped at utils.MaxRetryDelay
func calculateBackoff(base time.Duration, attempt int, err error) time.Duration {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Header != nil {
		if ra := apiErr.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil {
				delay := time.Duration(seconds) * time.Second
				if delay > utils.MaxRetryDelay {
					return utils.MaxRetryDelay
				}
				return delay
			}
		}
	}

	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > utils.MaxRetryDelay {
		delay = utils.MaxRetryDelay
	}

	jitterRange := delay / 4
	if jitterRange > 0 {
		delay += time.Duration(rand.Int63n(int64(jitterRange*2))) - jitterRange
	}
	if delay < 0 {
		delay = base
	}
	return delay
}
