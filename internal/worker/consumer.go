package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"docdelta/internal/platform/rabbitmq"
	"docdelta/internal/queue"
)

// Consumer is a running source of job messages.
type Consumer interface {
	Start(ctx context.Context) error
	Close()
}

// RabbitConsumer feeds job messages from a durable RabbitMQ queue into a
// Processor. Deliveries are acked once the job state is recorded in the
// store; the store, not the broker, decides whether work is retried.
type RabbitConsumer struct {
	conn        *amqp.Connection
	processor   *Processor
	queueName   string
	prefetch    int
	concurrency int
	logger      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRabbitConsumer(conn *amqp.Connection, processor *Processor, queueName string, prefetch, concurrency int, logger *slog.Logger) *RabbitConsumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	if prefetch < concurrency {
		prefetch = concurrency
	}
	return &RabbitConsumer{
		conn:        conn,
		processor:   processor,
		queueName:   queueName,
		prefetch:    prefetch,
		concurrency: concurrency,
		logger:      logger,
	}
}

func (w *RabbitConsumer) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := ch.Qos(w.prefetch, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}
	if err := rabbitmq.DeclareJobQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		cancel()
		return err
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	var consumers sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			w.consume(workerCtx, deliveries)
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		consumers.Wait()
		_ = ch.Close()
	}()

	w.logger.Info("job consumer started", "queue", w.queueName, "concurrency", w.concurrency, "prefetch", w.prefetch)
	return nil
}

func (w *RabbitConsumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			outcome, err := w.processor.HandleMessage(ctx, d.Body)
			if err != nil {
				if errors.Is(err, queue.ErrInvalidMessage) {
					w.logger.Error("worker decode job failed", "error", err)
				} else {
					w.logger.Error("worker handle job failed", "error", err)
				}
				_ = d.Nack(false, false)
				continue
			}
			if outcome == OutcomeReleased {
				_ = d.Nack(false, true)
				continue
			}
			w.logger.Debug("delivery handled", "outcome", outcome)
			_ = d.Ack(false)
		}
	}
}

func (w *RabbitConsumer) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// MemoryConsumer drains an in-process MemoryQueue.
type MemoryConsumer struct {
	queue       *queue.MemoryQueue
	processor   *Processor
	concurrency int
	logger      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMemoryConsumer(q *queue.MemoryQueue, processor *Processor, concurrency int, logger *slog.Logger) *MemoryConsumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &MemoryConsumer{queue: q, processor: processor, concurrency: concurrency, logger: logger}
}

func (w *MemoryConsumer) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case body := <-w.queue.Messages():
					if _, err := w.processor.HandleMessage(workerCtx, body); err != nil {
						w.logger.Error("worker handle job failed", "error", err)
					}
				}
			}
		}()
	}
	w.logger.Info("in-memory job consumer started", "concurrency", w.concurrency)
	return nil
}

func (w *MemoryConsumer) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
