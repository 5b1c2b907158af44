package liteq

import (
	"time"

	"github.com/nuetzliches/liteq/internal/store"
)

// Message is a message handle, leased when returned by Pop and not
// leased when returned by Peek. RetryCount counts delivery attempts;
// Pop returns the post-increment value, so the first delivery observes
// 1, while Peek returns the stored count (0 before any delivery).
type Message struct {
	ID         string
	Data       []byte
	Queue      string
	RetryCount int
	CreatedAt  time.Time
}

// DeadMessage is a dead-letter row as seen through ListDLQ.
type DeadMessage struct {
	ID       string
	Data     []byte
	Queue    string
	FailedAt time.Time
	Reason   string
}

func messageFromRecord(rec *store.Record) *Message {
	return &Message{
		ID:         rec.ID,
		Data:       rec.Data,
		Queue:      rec.Queue,
		RetryCount: rec.RetryCount,
		CreatedAt:  time.Unix(rec.CreatedAt, 0).UTC(),
	}
}

func deadMessageFromRecord(d store.DeadRecord) DeadMessage {
	return DeadMessage{
		ID:       d.ID,
		Data:     d.Data,
		Queue:    d.Queue,
		FailedAt: time.Unix(d.FailedAt, 0).UTC(),
		Reason:   d.Reason,
	}
}
