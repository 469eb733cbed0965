package queue

import (
	"context"
	"errors"
)

var ErrQueueFull = errors.New("job queue is full")

// Dispatcher hands a job to the workers. A returned error means the job was
// not handed off; it stays queued in the store until the version recovery
// sweep re-dispatches it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// MemoryQueue is an in-process Dispatcher backed by a buffered channel,
// used for single-process deployments and tests.
type MemoryQueue struct {
	messages chan []byte
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{messages: make(chan []byte, capacity)}
}

func (q *MemoryQueue) Dispatch(ctx context.Context, job Job) error {
	body, err := Encode(job)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.messages <- body:
		return nil
	default:
		return ErrQueueFull
	}
}

// Messages exposes the encoded messages to a consumer.
func (q *MemoryQueue) Messages() <-chan []byte {
	return q.messages
}

func (q *MemoryQueue) Len() int {
	return len(q.messages)
}
