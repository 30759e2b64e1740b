package ingestion

import (
	"TokenLedger/internal/event"
	"context"
	"errors"
	"time"
)

// ErrQueueClosed is returned once the core has stopped accepting work.
var ErrQueueClosed = errors.New("submission queue closed")

// Reply is the core's verdict on one submission. Err is set only when the
// event was not processed and may be retried; rejections travel in Result.
type Reply struct {
	Result event.Result
	Err    error
}

// Submission is one event queued for the core. Reply, when set, receives
// the verdict exactly once; the core must never block on it. Ack and Nak
// settle the inbound NATS message once the core has answered.
type Submission struct {
	Event    event.Event
	Received time.Time
	Reply    chan Reply
	Ack      func()
	Nak      func()
}

// SubmissionService lets synchronous callers (gRPC, HTTP) enqueue events
// and wait for the core's verdict.
type SubmissionService struct {
	submitChan chan<- Submission
	done       <-chan struct{}
}

// NewSubmissionService creates a service feeding submitChan. done is closed
// when the core loop exits.
func NewSubmissionService(submitChan chan<- Submission, done <-chan struct{}) *SubmissionService {
	return &SubmissionService{submitChan: submitChan, done: done}
}

// Submit enqueues evt and blocks until the core reports a result or ctx ends.
func (s *SubmissionService) Submit(ctx context.Context, evt event.Event) (event.Result, error) {
	sub := Submission{
		Event:    evt,
		Received: time.Now(),
		Reply:    make(chan Reply, 1),
	}

	select {
	case s.submitChan <- sub:
	case <-s.done:
		return event.Result{}, ErrQueueClosed
	case <-ctx.Done():
		return event.Result{}, ctx.Err()
	}

	select {
	case r := <-sub.Reply:
		return r.Result, r.Err
	case <-s.done:
		// The core drains the queue before closing done
		select {
		case r := <-sub.Reply:
			return r.Result, r.Err
		default:
			return event.Result{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return event.Result{}, ctx.Err()
	}
}

// Respond settles the submission. A nil err acks the source message; a
// non-nil err naks it for redelivery. The reply never blocks.
func (sub Submission) Respond(res event.Result, err error) {
	if err != nil {
		if sub.Nak != nil {
			sub.Nak()
		}
	} else if sub.Ack != nil {
		sub.Ack()
	}

	if sub.Reply == nil {
		return
	}
	select {
	case sub.Reply <- Reply{Result: res, Err: err}:
	default:
	}
}
