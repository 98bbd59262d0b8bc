// Package notify delivers welcome notifications on a side channel, decoupled
// from the provisioning steps. Enqueue failures are visible to the caller;
// delivery failures never are. A tenant whose welcome email failed is still
// a fully usable tenant.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tutora-provisioning/internal/metrics"
)

const maxRetries = 5
const retryDelay = 10 * time.Second

// Notification is one queued welcome message.
type Notification struct {
	ID       string
	JobID    string
	Template string
	Data     map[string]string
	Attempts int
}

// Sender performs one delivery attempt. Implementations classify failures as
// ErrTransient or ErrPermanent so the dispatcher knows whether to retry.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Dispatcher manages a bounded queue of notifications and a pool of delivery
// workers with their own retry schedule.
type Dispatcher struct {
	queue       chan Notification
	wg          sync.WaitGroup
	logger      *slog.Logger
	sender      Sender
	numWorkers  int
	sendTimeout time.Duration
	retryDelay  time.Duration
}

// NewDispatcher creates a dispatcher with the given queue capacity and
// worker count.
func NewDispatcher(maxQueueSize, numWorkers int, logger *slog.Logger, sender Sender) *Dispatcher {
	return &Dispatcher{
		queue:       make(chan Notification, maxQueueSize),
		logger:      logger,
		sender:      sender,
		numWorkers:  numWorkers,
		sendTimeout: 15 * time.Second,
		retryDelay:  retryDelay,
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	for i := 1; i <= d.numWorkers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop closes the queue and waits for in-flight deliveries to finish.
func (d *Dispatcher) Stop() {
	d.logger.Info("Stopping notification dispatcher... Closing queue.")
	close(d.queue)
	d.wg.Wait()
	d.logger.Info("All notification workers have stopped.")
}

// Send enqueues a notification for the given job. It returns false when the
// queue is full; the caller decides whether that fails its own step.
func (d *Dispatcher) Send(jobID, template string, data map[string]string) bool {
	n := Notification{
		ID:       uuid.NewString(),
		JobID:    jobID,
		Template: template,
		Data:     data,
	}
	select {
	case d.queue <- n:
		return true
	default:
		d.logger.Error("Notification queue is full, enqueue rejected", "job_id", jobID)
		return false
	}
}

// worker is the background goroutine that delivers queued notifications.
func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	d.logger.Info("Notification worker started", "worker_id", id)

	for n := range d.queue {
		logger := d.logger.With("worker_id", id, "notification_id", n.ID,
			"job_id", n.JobID, "attempt", n.Attempts+1)

		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		err := d.sender.Send(ctx, n)
		cancel()

		if err == nil {
			logger.Info("Notification delivered")
			metrics.NotificationObserved("delivered")
			continue
		}

		var permanentErr *ErrPermanent
		var transientErr *ErrTransient

		switch {
		case errors.As(err, &permanentErr):
			logger.Error("Notification failed with permanent error, will not be retried", "error", err)
			metrics.NotificationObserved("dropped")
		case errors.As(err, &transientErr):
			n.Attempts++
			if n.Attempts < maxRetries {
				logger.Warn("Notification failed with transient error, re-queuing for another attempt",
					"error", err, "delay", d.retryDelay)
				metrics.NotificationObserved("retried")
				go func(n Notification) {
					time.Sleep(d.retryDelay)
					defer func() { recover() }() // queue may close during the delay
					d.queue <- n
				}(n)
			} else {
				logger.Error("Notification failed after max retries, moving to dead-letter log", "error", err)
				metrics.NotificationObserved("dead_lettered")
			}
		default:
			logger.Error("Notification failed with an unknown error", "error", err)
			metrics.NotificationObserved("dropped")
		}
	}
}
