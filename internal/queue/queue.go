package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrClosed = errors.New("queue is closed")

// Handler processes one payload. A non-nil error schedules a retry.
type Handler func(ctx context.Context, payload any) error

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler Handler) error
}

// InMemoryQueue delivers each published payload to every subscriber of the
// topic on its own goroutine, retrying failed handlers with a growing pause.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	closed   bool
	wg       sync.WaitGroup

	logger         *slog.Logger
	MaxRetries     int
	Backoff        time.Duration
	AttemptTimeout time.Duration
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(logger *slog.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:       make(map[string][]Handler),
		logger:         logger,
		MaxRetries:     3,
		Backoff:        500 * time.Millisecond,
		AttemptTimeout: 5 * time.Second,
	}
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Topic      string
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish hands payload to all subscribers and returns without waiting.
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	handlers := q.handlers[topic]
	if len(handlers) == 0 {
		q.mu.Unlock()
		return fmt.Errorf("no subscribers for topic %s", topic)
	}
	q.wg.Add(len(handlers))
	q.mu.Unlock()

	for _, handler := range handlers {
		job := JobPayload{Topic: topic, Payload: payload, MaxRetries: q.MaxRetries}
		go q.processJob(handler, job)
	}
	return nil
}

func (q *InMemoryQueue) processJob(handler Handler, job JobPayload) {
	defer q.wg.Done()
	for {
		err := q.attempt(handler, job.Payload)
		if err == nil {
			return
		}

		job.RetryCount++
		if job.RetryCount > job.MaxRetries {
			q.logger.Error("job permanently failed",
				slog.String("topic", job.Topic),
				slog.Int("attempts", job.RetryCount),
				slog.Any("error", err))
			return
		}
		q.logger.Warn("job failed, retrying",
			slog.String("topic", job.Topic),
			slog.Int("attempt", job.RetryCount),
			slog.Int("max_retries", job.MaxRetries),
			slog.Any("error", err))
		time.Sleep(time.Duration(job.RetryCount) * q.Backoff)
	}
}

func (q *InMemoryQueue) attempt(handler Handler, payload any) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), q.AttemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, payload)
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close stops accepting payloads and waits for in-flight jobs until ctx ends.
func (q *InMemoryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Queue = (*InMemoryQueue)(nil)
