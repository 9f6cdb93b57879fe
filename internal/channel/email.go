package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/streadway/amqp"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/model"
)

// publisher is the subset of *amqp.Channel the email channel needs.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// EmailJob is the payload the mail relay consumes from the queue.
type EmailJob struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Text     string `json:"text"`
	RetryKey string `json:"retry_key,omitempty"`
}

// EmailChannel hands email off to a mail relay through a durable RabbitMQ
// queue. Acceptance means the broker took the job.
type EmailChannel struct {
	mu    sync.Mutex // amqp channels are not safe for concurrent publish
	pub   publisher
	queue string
	close func() error
}

// NewEmailChannel opens a channel on conn and declares the queue.
func NewEmailChannel(conn *amqp.Connection, queue string) (*EmailChannel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &EmailChannel{pub: ch, queue: q.Name, close: ch.Close}, nil
}

func (e *EmailChannel) Close() error {
	if e.close == nil {
		return nil
	}
	return e.close()
}

func (e *EmailChannel) Send(ctx context.Context, to string, msg model.MessageContent) error {
	if msg.Type != "text" {
		return fmt.Errorf("%w: email supports text only, got %q", appErrors.ErrUnsupportedMessage, msg.Type)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(EmailJob{To: to, Subject: msg.Subject, Text: msg.Text, RetryKey: RetryKey(ctx)})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	err = e.pub.Publish(
		"",
		e.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    RetryKey(ctx),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return &RecipientError{Recipient: to, Err: err}
	}
	return nil
}

// Multicast publishes one job per recipient and reports every failure.
func (e *EmailChannel) Multicast(ctx context.Context, to []string, msg model.MessageContent) error {
	if msg.Type != "text" {
		return fmt.Errorf("%w: email supports text only, got %q", appErrors.ErrUnsupportedMessage, msg.Type)
	}
	var result *multierror.Error
	for _, addr := range to {
		if err := e.Send(ctx, addr, msg); err != nil {
			if ctx.Err() != nil {
				return multierror.Append(result, err).ErrorOrNil()
			}
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
