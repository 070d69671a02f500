package notifications

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// permanent wraps an error that must not be retried (4xx responses,
// malformed configs).
func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// sendWithRetry runs op up to attempts times with 1s/2s/4s backoff,
// stopping early on success, permanent errors, or context cancellation.
func sendWithRetry(ctx context.Context, channel string, attempts int, op func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info().Str("channel", channel).Int("attempt", attempt).
					Msg("Notification succeeded after retry")
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		lastErr = err
		if attempt == attempts {
			break
		}
		log.Warn().Err(err).Str("channel", channel).Int("attempt", attempt).
			Dur("backoff", backoff).Msg("Notification attempt failed, backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}
