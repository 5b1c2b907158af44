/*
Package liteq is an embedded, persistent message queue backed by a
single SQLite file (or, optionally, Postgres).

A Queue hands out leases the way SQS does: Pop hides a message for an
invisibility window, Delete acknowledges it, ProcessFailed returns it
to the queue or diverts it to the dead-letter queue once its retry
budget is spent. Consume wraps the three into one scoped acquisition.

	q, err := liteq.Open("./.data/jobs.db")
	if err != nil {
		...
	}
	defer q.Close()

	id, err := q.Put(ctx, liteq.PutRequest{Queue: "emails", Data: payload})

	handled, err := q.Consume(ctx, liteq.ConsumeRequest{Queue: "emails"},
		func(ctx context.Context, m *liteq.Message) error {
			return send(ctx, m.Data)
		})

This module also ships the liteq command:

	go install github.com/nuetzliches/liteq/cmd/liteq@latest
*/
package liteq
