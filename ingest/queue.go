package ingest

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"task-fanout/domain"
)

// Queue is the domain events queue.
type Queue interface {
	Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error)
	Delete(ctx context.Context, id, receipt string) error
}

// Emitter accepts events for fan-out.
type Emitter interface {
	Emit(ctx context.Context, ev domain.Event) bool
}

// AzureQueue reads envelopes from an Azure Storage queue.
type AzureQueue struct {
	queue *azqueue.QueueClient
}

// NewAzureQueue creates a queue client from the given connection string.
func NewAzureQueue(connStr, queueName string) (*AzureQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &AzureQueue{queue: q}, nil
}

// Dequeue retrieves a single message, or nil when the queue is empty.
func (q *AzureQueue) Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	resp, err := q.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

// Delete removes a processed message from the queue.
func (q *AzureQueue) Delete(ctx context.Context, id, receipt string) error {
	_, err := q.queue.DeleteMessage(ctx, id, receipt, nil)
	return err
}

// Consumer feeds queued envelopes into the emission hook.
type Consumer struct {
	queue   Queue
	decoder *Decoder
	emitter Emitter
	logger  *log.Logger
	idle    time.Duration
}

// NewConsumer creates a consumer polling queue every idle interval when it
// is empty.
func NewConsumer(queue Queue, decoder *Decoder, emitter Emitter, idle time.Duration, logger *log.Logger) *Consumer {
	if logger == nil {
		panic("ingest: logger is required")
	}
	if idle <= 0 {
		idle = time.Second
	}
	return &Consumer{queue: queue, decoder: decoder, emitter: emitter, logger: logger, idle: idle}
}

// Run consumes messages until ctx ends.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("domain event consumer started")
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := c.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).Error("ingest: receive")
			c.sleep(ctx)
			continue
		}
		if msg == nil {
			c.sleep(ctx)
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg *azqueue.DequeuedMessage) {
	var text string
	if msg.MessageText != nil {
		text = *msg.MessageText
	}
	entry := c.logger.WithField("message", deref(msg.MessageID))

	ev, err := c.decoder.Decode([]byte(text))
	if err != nil {
		entry.WithError(err).Warn("ingest: discarding malformed message")
		c.delete(ctx, msg, entry)
		return
	}
	if !c.emitter.Emit(ctx, ev) {
		// Left on the queue; it becomes visible again after the visibility timeout.
		entry.WithField("kind", ev.Kind).Warn("ingest: emission queue full, message kept")
		return
	}
	c.delete(ctx, msg, entry)
}

func (c *Consumer) delete(ctx context.Context, msg *azqueue.DequeuedMessage, entry *log.Entry) {
	if err := c.queue.Delete(ctx, deref(msg.MessageID), deref(msg.PopReceipt)); err != nil {
		entry.WithError(err).Error("ingest: delete message")
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	t := time.NewTimer(c.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
