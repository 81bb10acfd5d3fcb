package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// AsynqDispatcher schedules webhook delivery tasks on the queue. It is the
// webhook.Dispatcher used in production; the polling reconciler backstops
// any task the queue loses.
type AsynqDispatcher struct {
	client *asynq.Client
}

// NewAsynqDispatcher wraps an asynq client as a webhook dispatcher.
func NewAsynqDispatcher(client *asynq.Client) *AsynqDispatcher {
	return &AsynqDispatcher{client: client}
}

// Dispatch enqueues a delivery task to run at the given time.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, id uuid.UUID, at time.Time) error {
	task, opts, err := NewDeliverWebhookTask(id)
	if err != nil {
		return fmt.Errorf("failed to build delivery task: %w", err)
	}

	opts = append(opts, asynq.ProcessAt(at))
	if _, err := d.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("failed to enqueue delivery task for %s: %w", id, err)
	}
	return nil
}
