// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"time"
)

// RunSweeper periodically terminates idle sessions until ctx is
// cancelled. This bounds resource growth from abandoned sessions
// whose clients never call terminate. Run it in its own goroutine:
//
//	go registry.RunSweeper(ctx, cfg.SweepInterval, cfg.IdleTimeout)
func (r *Registry) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept := r.SweepIdle(maxIdle); swept > 0 {
				r.logger.Info("idle sweep complete", "terminated", swept)
			}
		}
	}
}
