package app

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/lumen/internal/emotion"
	"github.com/ent0n29/lumen/internal/reliability"
)

const (
	samplerBackoffBase = 500 * time.Millisecond
	samplerBackoffCap  = 30 * time.Second
	// A run that lasted this long resets the backoff.
	samplerHealthyRun = time.Minute
)

type samplerRunner interface {
	Run(ctx context.Context) error
}

// superviseSampler keeps the facial sampler running until ctx is done. A
// camera access failure disables facial emotion for the rest of the process;
// any other stop (the camera process exiting, a broken stream) is retried
// with exponential backoff.
func superviseSampler(ctx context.Context, sampler samplerRunner, base time.Duration, logger *zap.Logger) {
	backoff := reliability.Backoff{Base: base, Max: samplerBackoffCap}
	attempt := 0
	for {
		started := time.Now()
		err := sampler.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		var camErr *emotion.CameraAccessError
		if errors.As(err, &camErr) {
			logger.Warn("facial emotion disabled", zap.Error(err))
			return
		}
		if time.Since(started) >= samplerHealthyRun {
			attempt = 0
		}
		delay := backoff.Delay(attempt)
		attempt++
		logger.Warn("facial sampling stopped, restarting",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
