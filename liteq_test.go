package liteq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "liteq.db")
	opts = append([]Option{WithPollInterval(5 * time.Millisecond)}, opts...)
	q, err := Open(dbPath, opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestPutPopDelete_BinaryRoundtrip(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	payload := []byte{0x00, 0x01, 0x02, 0xff}
	id, err := q.Put(ctx, PutRequest{Data: payload})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if id == "" {
		t.Fatalf("empty id")
	}

	msg, err := q.Pop(ctx, PopRequest{})
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if msg == nil || msg.ID != id {
		t.Fatalf("pop got %+v, want id %s", msg, id)
	}
	if !bytes.Equal(msg.Data, payload) {
		t.Fatalf("data=%v, want %v", msg.Data, payload)
	}
	if msg.Queue != "default" {
		t.Fatalf("queue=%q, want default", msg.Queue)
	}
	if msg.RetryCount != 1 {
		t.Fatalf("retry_count=%d, want 1 on first delivery", msg.RetryCount)
	}

	if err := q.Delete(ctx, msg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	n, err := q.Size(ctx, "")
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if n != 0 {
		t.Fatalf("size=%d after ack, want 0", n)
	}
}

func TestPut_EmptyPayloadAllowed(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.Put(ctx, PutRequest{Data: []byte{}}); err != nil {
		t.Fatalf("put empty payload: %v", err)
	}
	msg, err := q.Pop(ctx, PopRequest{})
	if err != nil || msg == nil {
		t.Fatalf("pop: msg=%v err=%v", msg, err)
	}
	if len(msg.Data) != 0 {
		t.Fatalf("data=%v, want empty", msg.Data)
	}
}

func TestPut_NilPayloadRejected(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Put(ctx, PutRequest{})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err=%v, want ErrInvalidArgument", err)
	}
}

func TestPutBatch_CapAndOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	over := make([][]byte, 51)
	for i := range over {
		over[i] = []byte{byte(i)}
	}
	if _, err := q.PutBatch(ctx, PutBatchRequest{Payloads: over}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err=%v, want ErrInvalidArgument for 51 payloads", err)
	}

	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	ids, err := q.PutBatch(ctx, PutBatchRequest{Payloads: payloads})
	if err != nil {
		t.Fatalf("put_batch: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d ids", len(ids))
	}

	for i, want := range payloads {
		msg, err := q.Pop(ctx, PopRequest{})
		if err != nil || msg == nil {
			t.Fatalf("pop %d: msg=%v err=%v", i, msg, err)
		}
		if msg.ID != ids[i] {
			t.Fatalf("pop %d id=%s, want %s (ids in input order)", i, msg.ID, ids[i])
		}
		if !bytes.Equal(msg.Data, want) {
			t.Fatalf("pop %d data=%q, want %q", i, msg.Data, want)
		}
	}
}

func TestPutBatch_NilEntryRejected(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.PutBatch(ctx, PutBatchRequest{Payloads: [][]byte{[]byte("ok"), nil}})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err=%v, want ErrInvalidArgument", err)
	}
	n, _ := q.Size(ctx, "")
	if n != 0 {
		t.Fatalf("size=%d, want 0 (batch is all-or-nothing)", n)
	}
}

func TestPop_EmptyReturnsNil(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	msg, err := q.Pop(ctx, PopRequest{})
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if msg != nil {
		t.Fatalf("pop on empty queue returned %+v", msg)
	}
}

func TestPop_LongPollWakesOnPut(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	type result struct {
		msg *Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := q.Pop(ctx, PopRequest{MaxWait: 5 * time.Second})
		done <- result{msg, err}
	}()

	time.Sleep(50 * time.Millisecond)
	id, err := q.Put(ctx, PutRequest{Data: []byte("late")})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil || r.msg == nil {
			t.Fatalf("pop: msg=%v err=%v", r.msg, r.err)
		}
		if r.msg.ID != id {
			t.Fatalf("pop id=%s, want %s", r.msg.ID, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("long poll did not wake on put")
	}
}

func TestPop_CancelledContext(t *testing.T) {
	q := newTestQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := q.Pop(ctx, PopRequest{MaxWait: 10 * time.Second})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err=%v, want ErrCancelled", err)
	}
}

func TestVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := newTestQueue(t, WithNowFunc(clock.Now))

	id, err := q.Put(ctx, PutRequest{Data: []byte("job")})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	msg, err := q.Pop(ctx, PopRequest{Invisible: 30 * time.Second})
	if err != nil || msg == nil {
		t.Fatalf("pop: msg=%v err=%v", msg, err)
	}

	// Leased: a second consumer sees nothing.
	hidden, err := q.Pop(ctx, PopRequest{})
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if hidden != nil {
		t.Fatalf("leased message delivered twice: %+v", hidden)
	}

	clock.Advance(31 * time.Second)
	again, err := q.Pop(ctx, PopRequest{})
	if err != nil || again == nil {
		t.Fatalf("pop after lease expiry: msg=%v err=%v", again, err)
	}
	if again.ID != id {
		t.Fatalf("id=%s, want %s", again.ID, id)
	}
	if again.RetryCount != 2 {
		t.Fatalf("retry_count=%d, want 2 on redelivery", again.RetryCount)
	}
}

func TestDelayedVisibility(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := newTestQueue(t, WithNowFunc(clock.Now))

	if _, err := q.Put(ctx, PutRequest{Data: []byte("later"), Delay: 10 * time.Second}); err != nil {
		t.Fatalf("put: %v", err)
	}

	msg, err := q.Pop(ctx, PopRequest{})
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if msg != nil {
		t.Fatalf("delayed message delivered early: %+v", msg)
	}

	empty, err := q.Empty(ctx, "")
	if err != nil || !empty {
		t.Fatalf("empty=%v err=%v, want true while delayed", empty, err)
	}
	n, _ := q.Size(ctx, "")
	if n != 1 {
		t.Fatalf("size=%d, want 1 (size counts delayed rows)", n)
	}

	clock.Advance(10 * time.Second)
	msg, err = q.Pop(ctx, PopRequest{})
	if err != nil || msg == nil {
		t.Fatalf("pop after delay: msg=%v err=%v", msg, err)
	}
	if string(msg.Data) != "later" {
		t.Fatalf("data=%q", msg.Data)
	}
}

func TestPut_NegativeDelayClamped(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.Put(ctx, PutRequest{Data: []byte("now"), Delay: -time.Hour}); err != nil {
		t.Fatalf("put: %v", err)
	}
	msg, err := q.Pop(ctx, PopRequest{})
	if err != nil || msg == nil {
		t.Fatalf("pop: msg=%v err=%v", msg, err)
	}
}

func TestPoisonPill(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := newTestQueue(t, WithNowFunc(clock.Now), WithMaxRetries(3))

	id, err := q.Put(ctx, PutRequest{Data: []byte("poison")})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		msg, err := q.Pop(ctx, PopRequest{})
		if err != nil || msg == nil {
			t.Fatalf("pop attempt %d: msg=%v err=%v", attempt, msg, err)
		}
		if msg.RetryCount != attempt {
			t.Fatalf("attempt %d: retry_count=%d", attempt, msg.RetryCount)
		}
		if err := q.ProcessFailed(ctx, msg, "boom"); err != nil {
			t.Fatalf("process_failed attempt %d: %v", attempt, err)
		}
	}

	msg, err := q.Pop(ctx, PopRequest{})
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if msg != nil {
		t.Fatalf("poison message delivered a 4th time: %+v", msg)
	}

	dn, err := q.DLQSize(ctx, "")
	if err != nil || dn != 1 {
		t.Fatalf("dlq size=%d err=%v, want 1", dn, err)
	}
	dead, err := q.ListDLQ(ctx, "", 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("list dlq: %v %v", dead, err)
	}
	if dead[0].ID != id || dead[0].Reason != "boom" {
		t.Fatalf("dead=%+v, want id=%s reason=boom", dead[0], id)
	}
	if !bytes.Equal(dead[0].Data, []byte("poison")) {
		t.Fatalf("dead data=%q", dead[0].Data)
	}
}

func TestProcessFailed_ImmediateRequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.Put(ctx, PutRequest{Data: []byte("retry me")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	msg, err := q.Pop(ctx, PopRequest{Invisible: time.Hour})
	if err != nil || msg == nil {
		t.Fatalf("pop: msg=%v err=%v", msg, err)
	}
	if err := q.ProcessFailed(ctx, msg, "transient"); err != nil {
		t.Fatalf("process_failed: %v", err)
	}

	// The hour-long lease is gone; the message is eligible again now.
	again, err := q.Pop(ctx, PopRequest{})
	if err != nil || again == nil {
		t.Fatalf("pop after nack: msg=%v err=%v", again, err)
	}
	if again.ID != msg.ID || again.RetryCount != 2 {
		t.Fatalf("got id=%s retry=%d, want id=%s retry=2", again.ID, again.RetryCount, msg.ID)
	}
}

func TestQueuePartitioning(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.Put(ctx, PutRequest{Queue: "emails", Data: []byte("e")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := q.Put(ctx, PutRequest{Queue: "webhooks", Data: []byte("w")}); err != nil {
		t.Fatalf("put: %v", err)
	}

	msg, err := q.Pop(ctx, PopRequest{Queue: "emails"})
	if err != nil || msg == nil || string(msg.Data) != "e" {
		t.Fatalf("pop emails: msg=%v err=%v", msg, err)
	}

	n, _ := q.Size(ctx, "webhooks")
	if n != 1 {
		t.Fatalf("webhooks size=%d, want 1", n)
	}
	n, _ = q.Size(ctx, "default")
	if n != 0 {
		t.Fatalf("default size=%d, want 0", n)
	}

	if err := q.Clear(ctx, "emails", false); err != nil {
		t.Fatalf("clear: %v", err)
	}
	n, _ = q.Size(ctx, "webhooks")
	if n != 1 {
		t.Fatalf("clearing emails touched webhooks: size=%d", n)
	}
}

func TestRedrive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q := newTestQueue(t, WithNowFunc(clock.Now), WithMaxRetries(1))

	id, err := q.Put(ctx, PutRequest{Data: []byte("second chance")})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	msg, err := q.Pop(ctx, PopRequest{})
	if err != nil || msg == nil {
		t.Fatalf("pop: msg=%v err=%v", msg, err)
	}
	if err := q.ProcessFailed(ctx, msg, "first failure"); err != nil {
		t.Fatalf("process_failed: %v", err)
	}
	dn, _ := q.DLQSize(ctx, "")
	if dn != 1 {
		t.Fatalf("dlq=%d, want 1", dn)
	}

	moved, err := q.Redrive(ctx, "")
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved=%d, want 1", moved)
	}
	dn, _ = q.DLQSize(ctx, "")
	if dn != 0 {
		t.Fatalf("dlq=%d after redrive, want 0", dn)
	}

	again, err := q.Pop(ctx, PopRequest{})
	if err != nil || again == nil {
		t.Fatalf("pop redriven: msg=%v err=%v", again, err)
	}
	if again.ID != id {
		t.Fatalf("id=%s, want %s", again.ID, id)
	}
	if again.RetryCount != 1 {
		t.Fatalf("retry_count=%d, want 1 (budget reset)", again.RetryCount)
	}
}

func TestDelete_AbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Delete(ctx, "01890000-0000-7000-8000-000000000000"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}

func TestJoin(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	const n = 5
	for i := 0; i < n; i++ {
		if _, err := q.Put(ctx, PutRequest{Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	go func() {
		for {
			msg, err := q.Pop(ctx, PopRequest{})
			if err != nil || msg == nil {
				return
			}
			_ = q.Delete(ctx, msg.ID)
		}
	}()

	joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := q.Join(joinCtx, ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	n2, _ := q.VisibleSize(ctx, "")
	if n2 != 0 {
		t.Fatalf("visible=%d after join, want 0", n2)
	}
}

func TestJoin_IgnoresDelayedMessages(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.Put(ctx, PutRequest{Data: []byte("later"), Delay: time.Hour}); err != nil {
		t.Fatalf("put: %v", err)
	}

	empty, err := q.Empty(ctx, "")
	if err != nil {
		t.Fatalf("empty: %v", err)
	}
	if !empty {
		t.Fatalf("empty=false with only a delayed message")
	}

	// Join agrees with Empty: a delayed-only queue does not block it.
	joinCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := q.Join(joinCtx, ""); err != nil {
		t.Fatalf("join: %v", err)
	}
}

func TestJoin_Cancelled(t *testing.T) {
	q := newTestQueue(t)

	if _, err := q.Put(context.Background(), PutRequest{Data: []byte("stuck")}); err != nil {
		t.Fatalf("put: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Join(ctx, "")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err=%v, want ErrCancelled", err)
	}
}

func TestMeatGrinder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	const total = 60
	const producers = 3
	const consumers = 4

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < total/producers; i++ {
				payload := []byte(fmt.Sprintf("p%d-m%d", p, i))
				if _, err := q.Put(ctx, PutRequest{Data: payload}); err != nil {
					t.Errorf("put: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	var mu sync.Mutex
	processed := make(map[string]int)
	failedOnce := make(map[string]bool)

	var cg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		cg.Add(1)
		go func() {
			defer cg.Done()
			for {
				msg, err := q.Pop(ctx, PopRequest{MaxWait: 200 * time.Millisecond})
				if err != nil {
					t.Errorf("pop: %v", err)
					return
				}
				if msg == nil {
					return
				}

				// Payloads whose final byte is a multiple of four (last
				// digit 0, 4 or 8) fail their first delivery and are
				// retried through the visibility machinery.
				mu.Lock()
				firstFailure := msg.Data[len(msg.Data)-1]%4 == 0 && !failedOnce[msg.ID]
				if firstFailure {
					failedOnce[msg.ID] = true
				}
				mu.Unlock()

				if firstFailure {
					if err := q.ProcessFailed(ctx, msg, "transient"); err != nil {
						t.Errorf("process_failed: %v", err)
						return
					}
					continue
				}

				if err := q.Delete(ctx, msg.ID); err != nil {
					t.Errorf("delete: %v", err)
					return
				}
				mu.Lock()
				processed[string(msg.Data)]++
				mu.Unlock()
			}
		}()
	}
	cg.Wait()

	if len(processed) != total {
		t.Fatalf("processed %d distinct payloads, want %d", len(processed), total)
	}
	for payload, count := range processed {
		if count != 1 {
			t.Fatalf("payload %q processed %d times", payload, count)
		}
	}
	n, _ := q.Size(ctx, "")
	if n != 0 {
		t.Fatalf("size=%d after grind, want 0", n)
	}
}

func TestOpen_RejectsInMemory(t *testing.T) {
	if _, err := Open(":memory:"); err == nil {
		t.Fatalf("expected error for :memory:")
	}
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
