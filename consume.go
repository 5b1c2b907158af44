package liteq

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ConsumeRequest describes one scoped acquisition.
type ConsumeRequest struct {
	Queue string
	// Invisible is the lease reserved while the handler runs (default 60s).
	Invisible time.Duration
	// MaxWait bounds the long poll before giving up (default 20s).
	MaxWait time.Duration
}

// Consume pops one message and runs fn on it. A clean return from fn
// acknowledges the message; an error or panic negatively acknowledges
// it with the error text as reason, then propagates. When no message
// arrives within MaxWait, Consume returns (false, nil) without calling
// fn. Every non-nil acquisition is settled exactly once before Consume
// returns.
func (q *Queue) Consume(ctx context.Context, req ConsumeRequest, fn func(context.Context, *Message) error) (bool, error) {
	ctx, span := q.tracer.Start(ctx, "liteq.Consume",
		trace.WithAttributes(attribute.String("queue", queueName(req.Queue))))
	defer span.End()

	maxWait := req.MaxWait
	if maxWait == 0 {
		maxWait = defaultConsumeWait
	}
	msg, err := q.Pop(ctx, PopRequest{
		Queue:     req.Queue,
		Invisible: req.Invisible,
		MaxWait:   maxWait,
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	if err := q.runHandler(ctx, msg, fn); err != nil {
		span.RecordError(err)
		return true, err
	}
	if err := q.Delete(ctx, msg.ID); err != nil {
		span.RecordError(err)
		return true, fmt.Errorf("consume ack %s: %w", msg.ID, err)
	}
	return true, nil
}

// runHandler settles the lease on every exit path, including panics.
func (q *Queue) runHandler(ctx context.Context, msg *Message, fn func(context.Context, *Message) error) (err error) {
	settled := false
	defer func() {
		if r := recover(); r != nil {
			if !settled {
				q.nack(ctx, msg, fmt.Sprint(r))
			}
			panic(r)
		}
	}()

	if err := fn(ctx, msg); err != nil {
		settled = true
		q.nack(ctx, msg, err.Error())
		return err
	}
	return nil
}

// nack settles a failed handler without letting settlement errors mask
// the handler's own error. The lease expiring on its own is the
// fallback when the store write fails.
func (q *Queue) nack(ctx context.Context, msg *Message, reason string) {
	if reason == "" {
		reason = "handler failed"
	}
	if err := q.ProcessFailed(ctx, msg, reason); err != nil {
		q.log.Error("nack failed, lease will expire on its own",
			"id", msg.ID, "queue", msg.Queue, "error", err)
	}
}
