package generic

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type RepeatFunc func(ctx context.Context, t time.Time) error

// Repeat runs f every interval, n times in total. A negative n repeats
// until the context is cancelled. The first run happens immediately; an
// error from f stops the loop.
func Repeat(ctx context.Context, f RepeatFunc, interval time.Duration, n int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n != 0 {
		if err := f(ctx, time.Now()); err != nil {
			return err
		}
		if n > 0 {
			n--
			if n == 0 {
				return nil
			}
		}
		log.Debug().Time("next", time.Now().Add(interval)).Int("remaining", n).Msg("run scheduled")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
