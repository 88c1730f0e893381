package live

import (
	"context"
	"time"
)

// startHeartbeat calls beat every interval until ctx is done or the returned
// stop func is called.
func startHeartbeat(ctx context.Context, interval time.Duration, beat func()) func() {
	if interval <= 0 || beat == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				beat()
			case <-ctx.Done():
				return
			}
		}
	}()
	return cancel
}
