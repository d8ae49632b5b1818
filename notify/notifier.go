/*
Package notify delivers payout notices to users and the operator.

PURPOSE:
  Best-effort notification delivery, decoupled from the financial
  critical path. The engine hands a structured notice to the Queue and
  moves on; delivery happens on a background goroutine with bounded
  retries. A full queue or a dead SMTP server never blocks or fails a
  payout.

DESIGN:
  - Queue implements invest.Notifier; Notify only enqueues.
  - A worker goroutine drains the queue and calls the Sender.
  - Failed sends are retried up to maxAttempts with a fixed delay,
    then dropped with a log line (at-least-once attempted, no delivery
    guarantee surfaced to callers).
  - Start/Stop lifecycle mirrors the scheduler: Stop drains in-flight
    work before returning.

SENDERS:
  - SMTPSender (smtp.go): production email delivery
  - LogSender: development fallback, writes notices to the log

SEE ALSO:
  - invest/stores.go: Notifier interface and PayoutNotice
  - api/scheduler.go: The same Start/Stop goroutine pattern
*/
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/investment-engine/invest"
)

// Sender performs one delivery attempt.
type Sender interface {
	Send(ctx context.Context, recipient, subject string, notice invest.PayoutNotice) error
}

// =============================================================================
// QUEUE - Async notifier with bounded retry
// =============================================================================

const (
	defaultQueueSize  = 256
	defaultAttempts   = 3
	defaultRetryDelay = 5 * time.Second
)

type message struct {
	recipient string
	subject   string
	notice    invest.PayoutNotice
	attempts  int
}

// Queue is an asynchronous invest.Notifier. Notify enqueues and returns;
// a background worker performs delivery with retries.
type Queue struct {
	sender     Sender
	maxAttempt int
	retryDelay time.Duration

	ch   chan message
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewQueue creates a notification queue over sender.
func NewQueue(sender Sender) *Queue {
	return &Queue{
		sender:     sender,
		maxAttempt: defaultAttempts,
		retryDelay: defaultRetryDelay,
		ch:         make(chan message, defaultQueueSize),
		stop:       make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
	log.Println("[Notify] Queue started")
}

// Stop drains queued messages, then stops the worker.
func (q *Queue) Stop() {
	q.once.Do(func() {
		close(q.stop)
		q.wg.Wait()
		log.Println("[Notify] Queue stopped")
	})
}

// Notify enqueues a notice. It never blocks the caller: when the queue
// is full the notice is dropped with a log line.
func (q *Queue) Notify(_ context.Context, recipient, subject string, notice invest.PayoutNotice) error {
	if recipient == "" {
		return nil
	}

	select {
	case q.ch <- message{recipient: recipient, subject: subject, notice: notice}:
		return nil
	default:
		log.Printf("[Notify] Queue full, dropping notice for %s", recipient)
		return nil
	}
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		select {
		case msg := <-q.ch:
			q.deliver(msg)
		case <-q.stop:
			// Drain what's already queued before exiting.
			for {
				select {
				case msg := <-q.ch:
					q.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) deliver(msg message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for attempt := 1; attempt <= q.maxAttempt; attempt++ {
		err := q.sender.Send(ctx, msg.recipient, msg.subject, msg.notice)
		if err == nil {
			return
		}
		log.Printf("[Notify] Delivery to %s failed (attempt %d/%d): %v",
			msg.recipient, attempt, q.maxAttempt, err)

		if attempt < q.maxAttempt {
			select {
			case <-time.After(q.retryDelay):
			case <-q.stop:
				// Shutting down; one last immediate attempt happens on
				// the next loop iteration, then the message is dropped.
			}
		}
	}
	log.Printf("[Notify] Giving up on notice for %s after %d attempts", msg.recipient, q.maxAttempt)
}

// =============================================================================
// LOG SENDER - Development fallback
// =============================================================================

// LogSender writes notices to the process log instead of delivering them.
type LogSender struct{}

func (LogSender) Send(_ context.Context, recipient, subject string, notice invest.PayoutNotice) error {
	log.Printf("[Notify] (log) to=%s subject=%q event=%s plan=%s profit=%s %s",
		recipient, subject, notice.Event, notice.PlanName,
		notice.Profit.StringFixed(2), notice.AssetSymbol)
	return nil
}
