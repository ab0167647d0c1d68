// Package realtime keeps the storefront's local cache close to the server:
// a Subscriber applies order events from SQS as they arrive and a Poller
// periodically reloads orders and products as an at-least-once fallback.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
	"github.com/imrishuroy/storefront-orderflow/internal/events"
	"github.com/imrishuroy/storefront-orderflow/internal/outbox"
)

const (
	waitTimeSeconds = 20
	maxMessages     = 10
	retryDelay      = 5 * time.Second
)

// Cache receives the orders carried by events.
type Cache interface {
	PutCached(ctx context.Context, table outbox.Table, v any) error
}

// Subscriber long-polls the order-events queue.
type Subscriber struct {
	sqs      aws.SQSAPI
	queueURL string
	cache    Cache
	log      *slog.Logger
}

// NewSubscriber returns a Subscriber reading queueURL.
func NewSubscriber(client aws.SQSAPI, queueURL string, cache Cache, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{sqs: client, queueURL: queueURL, cache: cache, log: logger}
}

// Run polls until ctx is cancelled. Receive errors are logged and retried
// after a short delay.
func (s *Subscriber) Run(ctx context.Context) error {
	s.log.Info("Subscribing to order events", "queue_url", s.queueURL)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := s.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("Receiving order events failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
		}
	}
}

// Poll receives one batch and applies it. It returns how many events were
// written to the cache.
func (s *Subscriber) Poll(ctx context.Context) (int, error) {
	out, err := s.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &s.queueURL,
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     waitTimeSeconds,
	})
	if err != nil {
		return 0, fmt.Errorf("receive message: %w", err)
	}

	applied := 0
	for _, msg := range out.Messages {
		err := s.processMessage(ctx, msg)
		switch {
		case errors.Is(err, events.ErrInvalidEvent):
			// poison: redelivery cannot fix it
			s.log.Error("Dropping undecodable order event", "message_id", awsToString(msg.MessageId), "error", err)
		case err != nil:
			// left on the queue; redelivered after the visibility timeout
			s.log.Warn("Applying order event failed", "message_id", awsToString(msg.MessageId), "error", err)
			continue
		default:
			applied++
		}
		if _, err := s.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      &s.queueURL,
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			s.log.Warn("Deleting order event failed", "message_id", awsToString(msg.MessageId), "error", err)
		}
	}
	return applied, nil
}

func (s *Subscriber) processMessage(ctx context.Context, msg sqstypes.Message) error {
	ev, err := events.Decode(awsToString(msg.Body))
	if err != nil {
		return err
	}
	if err := s.cache.PutCached(ctx, outbox.TableOrders, ev.Order); err != nil {
		return fmt.Errorf("cache order %s: %w", ev.Order.OrderID, err)
	}
	s.log.Debug("Applied order event", "type", ev.Kind, "order_id", ev.Order.OrderID, "status", ev.Order.Status)
	return nil
}

func awsToString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
