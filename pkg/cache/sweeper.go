package cache

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper purges expired entries on a fixed interval.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	onPurge  func(removed int)
}

// NewSweeper creates a sweeper for store. onPurge, if non-nil, is called
// after every pass.
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger, onPurge func(int)) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, interval: interval, logger: logger, onPurge: onPurge}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.store.Purge()
			if removed > 0 {
				s.logger.Debug("Purged expired cache entries", "removed", removed, "remaining", s.store.Len())
			}
			if s.onPurge != nil {
				s.onPurge(removed)
			}
		}
	}
}
