package adapter

import (
	"context"
	"time"

	"tradeflow/logger"
	"tradeflow/models"
)

// withRetry runs a gateway call with the configured attempt budget and fixed
// delay. Definitive rejections stop the loop immediately; retrying a
// rejected submit would double the order.
func (a *Adapter) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := a.config.Adapter.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := a.config.Adapter.Retry.Delay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if a.limiter != nil {
			if werr := a.limiter.Wait(ctx); werr != nil {
				return werr
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if models.IsDefinitiveRejection(err) {
			return err
		}
		if attempt < attempts {
			a.log.WithComponent("exchange_adapter").WithError(err).WithFields(logger.Fields{
				"exchange":  a.name,
				"operation": op,
				"attempt":   attempt,
			}).Warn("gateway call failed, retrying")
			if serr := sleepCtx(ctx, delay); serr != nil {
				return serr
			}
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
