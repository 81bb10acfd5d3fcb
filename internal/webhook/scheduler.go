package webhook

import (
	"context"
	"log"
	"time"
)

// Scheduler is the polling reconciler: it periodically selects due,
// unclaimed rows and re-dispatches them. Timely delivery normally happens
// through dispatcher tasks scheduled at next_attempt_at; this loop recovers
// orphaned leases (a worker died mid-delivery) and lost dispatches.
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	interval   time.Duration
	batchSize  int

	// Now is injectable for tests.
	Now func() time.Time
}

// NewScheduler creates a reconciler polling at the given interval.
func NewScheduler(store Store, dispatcher Dispatcher, interval time.Duration, batchSize int) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		interval:   interval,
		batchSize:  batchSize,
	}
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("Webhook scheduler started (interval %s, batch %d)", s.interval, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Webhook scheduler stopped")
			return
		case <-ticker.C:
			if n, err := s.Tick(ctx); err != nil {
				log.Printf("Webhook scheduler tick failed: %v", err)
			} else if n > 0 {
				log.Printf("Webhook scheduler dispatched %d due events", n)
			}
		}
	}
}

// Tick runs one selection pass and returns how many rows were dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()

	due, err := s.store.Due(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, ev := range due {
		if err := s.dispatcher.Dispatch(ctx, ev.ID, now); err != nil {
			log.Printf("Failed to dispatch due webhook %s: %v", ev.ID, err)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
