// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"time"

	"github.com/openscribe/scribed/internal/log"
)

// Reaper periodically reclaims expired leases. It is the recovery mechanism
// for crashed workers: a running job whose lease ran out goes back to
// failed_retryable (or failed once retries are exhausted).
type Reaper struct {
	Service  *Service
	Interval time.Duration // defaults to lease_duration/3
}

// Run blocks until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = r.Service.LeaseDuration / 3
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	logger := log.WithComponent("reaper")
	logger.Info().Dur("interval", interval).Msg("reaper started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			n, err := r.Service.Store.ReapExpired(ctx, r.Service.now(), r.Service.MaxRetries)
			if err != nil {
				logger.Error().Err(err).Msg("reap pass failed")
				continue
			}
			if n > 0 {
				leasesReaped.Add(float64(n))
				logger.Warn().Int("reclaimed", n).Msg("expired leases reclaimed")
			}
		}
	}
}
