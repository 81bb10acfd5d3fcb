package webhook

import (
	"context"
	"log"
	"time"
)

// Cleaner purges aged terminal rows. It is idempotent and safe to run
// concurrently with delivery because the purge predicate never matches
// PENDING or RETRYING rows.
type Cleaner struct {
	store              Store
	deliveredRetention time.Duration
	failedRetention    time.Duration

	// Now is injectable for tests.
	Now func() time.Time
}

// NewCleaner creates a cleaner with separate retention cutoffs for
// delivered and dead-lettered rows.
func NewCleaner(store Store, deliveredRetention, failedRetention time.Duration) *Cleaner {
	if deliveredRetention <= 0 {
		deliveredRetention = 7 * 24 * time.Hour
	}
	if failedRetention <= 0 {
		failedRetention = 30 * 24 * time.Hour
	}
	return &Cleaner{
		store:              store,
		deliveredRetention: deliveredRetention,
		failedRetention:    failedRetention,
	}
}

// Purge deletes terminal rows past retention and returns the count.
func (c *Cleaner) Purge(ctx context.Context) (int64, error) {
	now := c.now()
	purged, err := c.store.PurgeTerminal(ctx, now.Add(-c.deliveredRetention), now.Add(-c.failedRetention))
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		log.Printf("Webhook cleanup purged %d terminal rows", purged)
	}
	return purged, nil
}

func (c *Cleaner) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}
