// Bridge notifier: delivers the payment-received event downstream with
// bounded retries. Exhausted deliveries land in the dead-letter queue,
// exactly one entry per failed cycle. Losing that DLQ write is the one
// failure this process treats as fatal, since it would be a silent gap in
// the settlement notification stream.

package bridge

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"flowpay/payment/db"
	"flowpay/payment/order"
)

// DLQ is the append-only dead-letter store.
type DLQ interface {
	AppendDLQ(ctx context.Context, e *db.DLQEntry) error
}

// RetryPolicy controls attempts and backoff. Injectable so tests can run
// without sleeping.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}
}

type Notifier struct {
	Orders *order.Service
	Bus    Bus
	Queue  DLQ
	Policy RetryPolicy

	Timeout time.Duration        // per delivery attempt
	sleep   func(time.Duration)  // swapped for a recorder in tests
	fatalf  func(string, ...any) // DLQ write failure escalation
}

func NewNotifier(orders *order.Service, bus Bus, queue DLQ) *Notifier {
	return &Notifier{
		Orders:  orders,
		Bus:     bus,
		Queue:   queue,
		Policy:  DefaultRetryPolicy(),
		Timeout: 10 * time.Second,
		sleep:   time.Sleep,
		fatalf:  log.Fatalf,
	}
}

// Notify delivers the payment event for one charge. On success the order's
// bridge_status becomes SENT and the order advances to COMPLETED; on
// exhaustion or a terminal rejection it becomes FAILED with one DLQ entry,
// and the order stays in PENDING_REVIEW for manual recovery.
func (n *Notifier) Notify(ctx context.Context, chargeID, customerRef string) error {
	o, err := n.Orders.Get(ctx, chargeID)
	if err != nil {
		return err
	}
	if o.BridgeStatus == db.BridgeSent {
		return nil
	}
	if customerRef == "" {
		customerRef = o.CustomerRef
	}

	payload := map[string]interface{}{
		"transactionId": chargeID,
		"orderId":       chargeID,
		"amount":        float64(o.Amount) / 100,
		"currency":      o.Currency,
		"payer":         customerRef,
		"metadata": map[string]interface{}{
			"source": "flowpay",
			"paidAt": o.PaidAt,
		},
	}

	var lastErr error
	for attempt := 1; attempt <= n.Policy.MaxAttempts; attempt++ {
		if err := n.Orders.RecordBridgeAttempt(ctx, chargeID, attempt); err != nil {
			log.Println("bridge: attempt counter update failed:", chargeID, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, n.Timeout)
		status, err := n.Bus.Notify(callCtx, "PAYMENT_RECEIVED", payload)
		cancel()

		switch {
		case err == nil && status >= 200 && status < 300:
			if err := n.Orders.MarkBridgeSent(ctx, chargeID); err != nil {
				return err
			}
			log.Println("bridge: delivered payment event for", chargeID)
			return nil

		case err != nil:
			lastErr = err
		case retryable(status):
			lastErr = fmt.Errorf("bus returned %d", status)
		default:
			// non-retryable 4xx: give up on first occurrence
			return n.exhaust(ctx, chargeID, customerRef, fmt.Errorf("bus rejected with %d", status))
		}

		if attempt < n.Policy.MaxAttempts {
			n.sleep(n.Policy.Backoff(attempt))
		}
	}

	return n.exhaust(ctx, chargeID, customerRef, lastErr)
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

func (n *Notifier) exhaust(ctx context.Context, chargeID, customerRef string, cause error) error {
	entry := &db.DLQEntry{
		ChargeID:    chargeID,
		CustomerRef: customerRef,
		Error:       cause.Error(),
	}
	if err := n.Queue.AppendDLQ(ctx, entry); err != nil {
		// Losing a DLQ record means an unrecoverable notification gap.
		n.fatalf("bridge: DLQ write failed for %s: %v (delivery error: %v)", chargeID, err, cause)
		return err
	}

	if err := n.Orders.MarkBridgeFailed(ctx, chargeID); err != nil {
		log.Println("bridge: bridge_status update failed:", chargeID, err)
	}

	log.Println("bridge: delivery exhausted for", chargeID, "->", cause)
	return fmt.Errorf("bridge delivery failed for %s: %w", chargeID, cause)
}
