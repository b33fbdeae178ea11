package transfer

import (
	"context"
	"time"

	"github.com/tethys-ts/s3tethys/pkg/core"
)

// retry runs fn up to MaxRetries attempts, doubling the delay between
// attempts starting from RetryBaseDelay. Only failures marked transient by
// the backend are retried; validation errors and absence surface
// immediately. Context cancellation aborts the loop between attempts.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	max := e.cfg.MaxRetries
	if max < 1 {
		max = 1
	}
	delay := e.cfg.RetryBaseDelay

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !core.IsTransient(err) || attempt >= max || ctx.Err() != nil {
			return err
		}

		e.log.WithError(err).WithField("attempt", attempt).Warnf("transient failure on %s, retrying in %s", op, delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}
