// Bounded-concurrency background dispatcher for bridge deliveries. Webhook
// handlers enqueue and return; a fixed worker pool performs the retrying
// delivery and a supervisor drains the error channel so no failure is ever
// dropped unobserved.

package bridge

import (
	"context"
	"errors"
	"log"
	"sync"
)

var errQueueFull = errors.New("dispatch queue full")

type task struct {
	chargeID    string
	customerRef string
}

type Dispatcher struct {
	notifier *Notifier
	tasks    chan task
	errs     chan error
	workers  int
	wg       sync.WaitGroup
}

func NewDispatcher(notifier *Notifier, workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		notifier: notifier,
		tasks:    make(chan task, queueSize),
		errs:     make(chan error, queueSize),
		workers:  workers,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-d.tasks:
					if err := d.notifier.Notify(ctx, t.chargeID, t.customerRef); err != nil {
						d.errs <- err
					}
				}
			}
		}()
	}

	// supervisor
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-d.errs:
				log.Println("bridge dispatcher:", err)
			}
		}
	}()
}

// Enqueue schedules a delivery without blocking the caller. A full queue
// goes through the same escalation as an exhausted delivery: one DLQ entry
// and bridge_status FAILED, so the lost notification always has a durable
// record an operator can replay.
func (d *Dispatcher) Enqueue(chargeID, customerRef string) {
	select {
	case d.tasks <- task{chargeID: chargeID, customerRef: customerRef}:
	default:
		log.Println("bridge dispatcher: queue full for", chargeID)
		if err := d.notifier.exhaust(context.Background(), chargeID, customerRef, errQueueFull); err != nil {
			log.Println("bridge dispatcher:", err)
		}
	}
}

// Wait blocks until all workers have stopped. Call after cancelling the
// context passed to Start.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
