package simqueue

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// MultipleWorkers runs processFunc on n workers sharing one limiter, so a single executor never
// takes more than limit items per second. processFunc must be thread safe.
//
// An item that cannot get a token before its worker deadline is moved to the next slot instead of
// penalizing the worker.
func MultipleWorkers(processFunc ProcessFunc, n int, limit rate.Limit, burst int) []ProcessFunc {
	if burst < 1 {
		burst = 1
	}
	rateLimiter := rate.NewLimiter(limit, burst)

	process := make([]ProcessFunc, n)
	for i := range process {
		process[i] = func(ctx context.Context, data []byte, info QueueItemInfo) error {
			if err := rateLimiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return err
				}
				return errors.Join(err, ErrProcessScheduleNextSlot)
			}
			return processFunc(ctx, data, info)
		}
	}
	return process
}
