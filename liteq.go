package liteq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/liteq/internal/id"
	"github.com/nuetzliches/liteq/internal/store"
)

const (
	defaultMaxRetries      = 5
	defaultBusyTimeout     = 5 * time.Second
	defaultPollInterval    = 50 * time.Millisecond
	defaultConflictRetries = 5
	defaultConflictPause   = 50 * time.Millisecond
	defaultInvisible       = 60 * time.Second
	defaultConsumeWait     = 20 * time.Second

	// maxBatchSize caps PutBatch input length.
	maxBatchSize = 50

	divertReason = "max retries exceeded"

	tracerName = "github.com/nuetzliches/liteq"
)

type Option func(*Queue)

// WithMaxRetries sets the delivery-attempt budget. On the attempt after
// the budget is spent the message is diverted to the dead-letter queue.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

// WithBusyTimeout sets how long concurrent writers wait for the store's
// writer reservation before failing with ErrContention.
func WithBusyTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.busyTimeout = d
		}
	}
}

// WithPollInterval sets the default sleep quantum for long polls and
// Join.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithLogger attaches a structured logger. The engine never writes to
// the process default logger; without this option it logs nowhere.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// WithNowFunc overrides the clock. Timestamps are truncated to whole
// UTC seconds wherever they are compared or stored.
func WithNowFunc(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.nowFn = now
		}
	}
}

// WithExternalWakeups watches the database WAL file so commits from
// other processes wake long polls before the next poll tick. SQLite
// backend only.
func WithExternalWakeups(enabled bool) Option {
	return func(q *Queue) {
		q.externalWakeups = enabled
	}
}

// Queue is an embedded, persistent, multi-queue broker handle. One
// instance owns one store handle and is safe for concurrent use;
// multiple instances (or processes) pointing at the same file
// interoperate through the store's locking.
type Queue struct {
	store  store.Store
	log    *slog.Logger
	tracer trace.Tracer
	nowFn  func() time.Time

	maxRetries   int
	busyTimeout  time.Duration
	pollInterval time.Duration

	externalWakeups bool
}

// Open opens or creates the SQLite-backed queue at filename.
func Open(filename string, opts ...Option) (*Queue, error) {
	q := newQueue(opts)
	st, err := store.NewSQLiteStore(filename,
		store.WithSQLiteBusyTimeout(q.busyTimeout),
		store.WithSQLiteExternalWakeups(q.externalWakeups),
	)
	if err != nil {
		return nil, mapStoreError(err)
	}
	q.store = st
	q.log.Debug("queue opened", "backend", "sqlite", "path", filename)
	return q, nil
}

// OpenPostgres opens the queue on a shared Postgres server. Semantics
// match the SQLite backend; leasing uses row locks instead of the
// single-writer reservation.
func OpenPostgres(dsn string, opts ...Option) (*Queue, error) {
	q := newQueue(opts)
	st, err := store.NewPostgresStore(dsn,
		store.WithPostgresLockTimeout(q.busyTimeout),
	)
	if err != nil {
		return nil, mapStoreError(err)
	}
	q.store = st
	q.log.Debug("queue opened", "backend", "postgres")
	return q, nil
}

func newQueue(opts []Option) *Queue {
	q := &Queue{
		log:          slog.New(slog.NewJSONHandler(io.Discard, nil)),
		tracer:       otel.Tracer(tracerName),
		nowFn:        time.Now,
		maxRetries:   defaultMaxRetries,
		busyTimeout:  defaultBusyTimeout,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Close() error {
	return q.store.Close()
}

// now returns the clock reading as whole unix seconds, truncated.
func (q *Queue) now() int64 {
	return q.nowFn().UTC().Unix()
}

func queueName(name string) string {
	if name == "" {
		return store.DefaultQueue
	}
	return name
}

// PutRequest describes one enqueue.
type PutRequest struct {
	// Queue is the logical partition; empty means "default".
	Queue string
	// Data is the opaque payload, stored bit-exact.
	Data []byte
	// Delay postpones visibility; negative values are clamped to zero.
	Delay time.Duration
	// ConflictRetries bounds id regeneration on primary-key collisions
	// (default 5).
	ConflictRetries int
	// ConflictPause is the sleep between collision retries (default
	// 50ms).
	ConflictPause time.Duration
}

// Put stores one message and returns its id. Data is never partially
// stored: on any failure the row is absent.
func (q *Queue) Put(ctx context.Context, req PutRequest) (string, error) {
	ctx, span := q.tracer.Start(ctx, "liteq.Put",
		trace.WithAttributes(attribute.String("queue", queueName(req.Queue))))
	defer span.End()

	if req.Data == nil {
		return "", fmt.Errorf("put: nil payload: %w", ErrInvalidArgument)
	}

	qname := queueName(req.Queue)
	retries, pause := conflictPolicy(req.ConflictRetries, req.ConflictPause)

	var lastID string
	for attempt := 0; attempt <= retries; attempt++ {
		now := q.now()
		msgID, err := id.New()
		if err != nil {
			return "", err
		}
		lastID = msgID

		rec := store.Record{
			ID:           msgID,
			Queue:        qname,
			Data:         req.Data,
			VisibleAfter: now + delaySeconds(req.Delay),
			CreatedAt:    now,
		}
		err = q.store.Put(ctx, rec)
		if err == nil {
			q.log.Debug("put", "id", msgID, "queue", qname)
			return msgID, nil
		}
		if !isIDTaken(err) {
			span.RecordError(err)
			return "", mapStoreError(err)
		}
		q.log.Debug("put id collision, retrying", "id", msgID, "queue", qname)
		if err := sleepCtx(ctx, pause); err != nil {
			return "", err
		}
	}
	err := fmt.Errorf("put %s to %s: %d id collisions: %w", lastID, qname, retries+1, ErrConflict)
	span.RecordError(err)
	return "", err
}

// PutBatchRequest describes an all-or-nothing batch enqueue of up to 50
// payloads.
type PutBatchRequest struct {
	Queue           string
	Payloads        [][]byte
	Delay           time.Duration
	ConflictRetries int
	ConflictPause   time.Duration
}

// PutBatch stores every payload in one transaction and returns ids in
// input order. An id collision rolls the whole batch back and retries
// with fresh ids.
func (q *Queue) PutBatch(ctx context.Context, req PutBatchRequest) ([]string, error) {
	ctx, span := q.tracer.Start(ctx, "liteq.PutBatch",
		trace.WithAttributes(
			attribute.String("queue", queueName(req.Queue)),
			attribute.Int("batch", len(req.Payloads)),
		))
	defer span.End()

	if len(req.Payloads) > maxBatchSize {
		return nil, fmt.Errorf("put_batch: %d payloads exceeds cap of %d: %w", len(req.Payloads), maxBatchSize, ErrInvalidArgument)
	}
	for i, data := range req.Payloads {
		if data == nil {
			return nil, fmt.Errorf("put_batch: nil payload at index %d: %w", i, ErrInvalidArgument)
		}
	}
	if len(req.Payloads) == 0 {
		return nil, nil
	}

	qname := queueName(req.Queue)
	retries, pause := conflictPolicy(req.ConflictRetries, req.ConflictPause)

	for attempt := 0; attempt <= retries; attempt++ {
		now := q.now()
		visibleAfter := now + delaySeconds(req.Delay)

		ids := make([]string, len(req.Payloads))
		recs := make([]store.Record, len(req.Payloads))
		for i, data := range req.Payloads {
			msgID, err := id.New()
			if err != nil {
				return nil, err
			}
			ids[i] = msgID
			recs[i] = store.Record{
				ID:           msgID,
				Queue:        qname,
				Data:         data,
				VisibleAfter: visibleAfter,
				CreatedAt:    now,
			}
		}

		err := q.store.PutBatch(ctx, recs)
		if err == nil {
			q.log.Debug("put_batch", "queue", qname, "count", len(ids))
			return ids, nil
		}
		if !isIDTaken(err) {
			span.RecordError(err)
			return nil, mapStoreError(err)
		}
		q.log.Debug("put_batch id collision, retrying", "queue", qname)
		if err := sleepCtx(ctx, pause); err != nil {
			return nil, err
		}
	}
	err := fmt.Errorf("put_batch to %s: %d id collisions: %w", qname, retries+1, ErrConflict)
	span.RecordError(err)
	return nil, err
}

// PopRequest describes one dequeue attempt.
type PopRequest struct {
	Queue string
	// Invisible is the lease duration reserved on the returned message
	// (default 60s).
	Invisible time.Duration
	// MaxWait bounds long polling; zero returns immediately on empty.
	MaxWait time.Duration
	// PollInterval overrides the queue's empty-poll sleep quantum.
	PollInterval time.Duration
}

// Pop atomically leases the next eligible message. Rows whose retry
// budget is spent are diverted to the dead-letter queue and the search
// continues within the same call. On an empty queue Pop long-polls up
// to MaxWait, then returns nil. Context cancellation interrupts the
// wait with ErrCancelled.
func (q *Queue) Pop(ctx context.Context, req PopRequest) (*Message, error) {
	ctx, span := q.tracer.Start(ctx, "liteq.Pop",
		trace.WithAttributes(attribute.String("queue", queueName(req.Queue))))
	defer span.End()

	qname := queueName(req.Queue)
	invisible := req.Invisible
	if invisible <= 0 {
		invisible = defaultInvisible
	}
	pollInterval := req.PollInterval
	if pollInterval <= 0 {
		pollInterval = q.pollInterval
	}
	maxWait := req.MaxWait
	if maxWait < 0 {
		maxWait = 0
	}
	deadline := time.Now().Add(maxWait)

	for {
		rec, divertedID, err := q.store.PopOnce(ctx, qname, q.now(), int64(invisible/time.Second), q.maxRetries, divertReason)
		if err != nil {
			span.RecordError(err)
			return nil, mapStoreError(err)
		}
		if divertedID != "" {
			q.log.Info("message diverted to dlq", "id", divertedID, "queue", qname, "reason", divertReason)
			continue
		}
		if rec != nil {
			return messageFromRecord(rec), nil
		}

		if maxWait == 0 || !time.Now().Before(deadline) {
			return nil, nil
		}

		q.log.Debug("empty poll, waiting", "queue", qname)
		sleep := time.Until(deadline)
		if sleep > pollInterval {
			sleep = pollInterval
		}
		wake := q.store.Wakeup()
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("pop: %v: %w", ctx.Err(), ErrCancelled)
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Peek returns the next eligible message without leasing it.
func (q *Queue) Peek(ctx context.Context, queue string) (*Message, error) {
	rec, err := q.store.Peek(ctx, queueName(queue), q.now())
	if err != nil {
		return nil, mapStoreError(err)
	}
	if rec == nil {
		return nil, nil
	}
	return messageFromRecord(rec), nil
}

// Delete acknowledges a message, removing it from any queue. Deleting
// an id that is already gone is a no-op; a slow worker ACKing after
// lease expiry is expected.
func (q *Queue) Delete(ctx context.Context, msgID string) error {
	if err := q.store.Delete(ctx, msgID); err != nil {
		return mapStoreError(err)
	}
	q.log.Debug("ack", "id", msgID)
	return nil
}

// ProcessFailed negatively acknowledges a leased message. When the
// retry budget is spent the row moves to the dead-letter queue with the
// given reason; otherwise it becomes visible again immediately. A row
// already removed by a peer is a no-op.
func (q *Queue) ProcessFailed(ctx context.Context, msg *Message, reason string) error {
	ctx, span := q.tracer.Start(ctx, "liteq.ProcessFailed",
		trace.WithAttributes(attribute.String("queue", msg.Queue)))
	defer span.End()

	diverted, err := q.store.Fail(ctx, msg.ID, msg.RetryCount, q.maxRetries, q.now(), reason)
	if err != nil {
		span.RecordError(err)
		return mapStoreError(err)
	}
	if diverted {
		q.log.Info("message diverted to dlq", "id", msg.ID, "queue", msg.Queue, "reason", reason)
	} else {
		q.log.Debug("nack", "id", msg.ID, "queue", msg.Queue, "reason", reason)
	}
	return nil
}

// Size counts every row in the queue, leased or not. The count is a
// snapshot and may be stale immediately.
func (q *Queue) Size(ctx context.Context, queue string) (int, error) {
	n, err := q.store.Size(ctx, queueName(queue))
	return n, mapStoreError(err)
}

// VisibleSize counts only rows currently eligible for delivery.
func (q *Queue) VisibleSize(ctx context.Context, queue string) (int, error) {
	n, err := q.store.VisibleSize(ctx, queueName(queue), q.now())
	return n, mapStoreError(err)
}

// DLQSize counts dead-letter rows for the queue.
func (q *Queue) DLQSize(ctx context.Context, queue string) (int, error) {
	n, err := q.store.DLQSize(ctx, queueName(queue))
	return n, mapStoreError(err)
}

// ListDLQ returns up to limit dead-letter rows, oldest failure first.
func (q *Queue) ListDLQ(ctx context.Context, queue string, limit int) ([]DeadMessage, error) {
	recs, err := q.store.ListDLQ(ctx, queueName(queue), limit)
	if err != nil {
		return nil, mapStoreError(err)
	}
	out := make([]DeadMessage, len(recs))
	for i, d := range recs {
		out[i] = deadMessageFromRecord(d)
	}
	return out, nil
}

// Empty reports whether no message in the queue is currently visible.
func (q *Queue) Empty(ctx context.Context, queue string) (bool, error) {
	n, err := q.VisibleSize(ctx, queue)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Clear deletes every active message for the queue; with dlq it also
// drops the queue's dead-letter rows.
func (q *Queue) Clear(ctx context.Context, queue string, dlq bool) error {
	return mapStoreError(q.store.Clear(ctx, queueName(queue), dlq))
}

// Join blocks until Empty reports true for the queue, polling on the
// queue's poll interval. Cancellation surfaces ErrCancelled.
func (q *Queue) Join(ctx context.Context, queue string) error {
	qname := queueName(queue)
	for {
		n, err := q.store.VisibleSize(ctx, qname, q.now())
		if err != nil {
			return mapStoreError(err)
		}
		if n == 0 {
			return nil
		}
		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("join: %v: %w", ctx.Err(), ErrCancelled)
		case <-timer.C:
		}
	}
}

// Redrive moves every dead-letter row for the queue back into the
// active queue with a fresh retry budget and immediate visibility.
func (q *Queue) Redrive(ctx context.Context, queue string) (int, error) {
	ctx, span := q.tracer.Start(ctx, "liteq.Redrive",
		trace.WithAttributes(attribute.String("queue", queueName(queue))))
	defer span.End()

	qname := queueName(queue)
	moved, err := q.store.Redrive(ctx, qname, q.now())
	if err != nil {
		span.RecordError(err)
		return 0, mapStoreError(err)
	}
	if moved > 0 {
		q.log.Info("redrive", "queue", qname, "moved", moved)
	}
	return moved, nil
}

func conflictPolicy(retries int, pause time.Duration) (int, time.Duration) {
	if retries <= 0 {
		retries = defaultConflictRetries
	}
	if pause <= 0 {
		pause = defaultConflictPause
	}
	return retries, pause
}

func delaySeconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func isIDTaken(err error) bool {
	return err != nil && errors.Is(err, store.ErrIDTaken)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%v: %w", ctx.Err(), ErrCancelled)
	case <-timer.C:
		return nil
	}
}
