// Package pubsub implements a job queue on Google Cloud Pub/Sub so several
// harvester processes can share one stream of work.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

const jobIDAttribute = "job_id"

// Options tunes the subscriber side of the queue.
type Options struct {
	// MaxOutstanding bounds messages held by the subscriber but not yet
	// handed to a worker. Zero keeps the client default.
	MaxOutstanding int
}

type delivery struct {
	item harvest.QueueItem
	msg  *pubsub.Message
}

// Queue publishes queue items to a topic and receives them from a
// subscription. A message is acknowledged when a worker takes it; messages
// still buffered at shutdown are nacked and redelivered elsewhere.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger
	owned  bool

	items chan delivery

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New connects a client for projectID and opens topicID and subscriptionID.
func New(ctx context.Context, projectID, topicID, subscriptionID string, opts Options, logger *zap.Logger) (*Queue, error) {
	if projectID == "" {
		return nil, fmt.Errorf("pubsub.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	q, err := NewWithClient(client, topicID, subscriptionID, opts, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after setup failure", zap.Error(closeErr))
		}
		return nil, err
	}
	q.owned = true
	return q, nil
}

// NewWithClient builds a queue on an existing client. The caller keeps
// ownership of the client.
func NewWithClient(client *pubsub.Client, topicID, subscriptionID string, opts Options, logger *zap.Logger) (*Queue, error) {
	if topicID == "" || subscriptionID == "" {
		return nil, fmt.Errorf("queue topic and subscription are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := client.Subscription(subscriptionID)
	if opts.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = opts.MaxOutstanding
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		client: client,
		topic:  client.Topic(topicID),
		sub:    sub,
		logger: logger,
		items:  make(chan delivery),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Enqueue publishes the item and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, item harvest.QueueItem) error {
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{jobIDAttribute: item.JobID},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish queue item %s: %w", item.JobID, err)
	}
	return nil
}

// Dequeue blocks until a message arrives, the context ends or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (harvest.QueueItem, error) {
	q.startOnce.Do(q.startReceiving)
	select {
	case <-ctx.Done():
		return harvest.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.ctx.Done():
		return harvest.QueueItem{}, ErrClosed
	case d := <-q.items:
		d.msg.Ack()
		return d.item, nil
	}
}

func (q *Queue) startReceiving() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		err := q.sub.Receive(q.ctx, q.handle)
		if err != nil && q.ctx.Err() == nil {
			q.logger.Error("pubsub receive stopped", zap.Error(err))
		}
	}()
}

func (q *Queue) handle(ctx context.Context, msg *pubsub.Message) {
	var item harvest.QueueItem
	if err := json.Unmarshal(msg.Data, &item); err != nil || item.JobID == "" {
		q.logger.Warn("dropping malformed queue message",
			zap.String("message_id", msg.ID),
			zap.String("job_id", msg.Attributes[jobIDAttribute]),
			zap.Error(err),
		)
		msg.Ack()
		return
	}
	select {
	case q.items <- delivery{item: item, msg: msg}:
	case <-ctx.Done():
		msg.Nack()
	}
}

// Close stops receiving and flushes the publisher. The client is closed only
// when the queue created it.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
		q.topic.Stop()
		if q.owned {
			if cerr := q.client.Close(); cerr != nil {
				err = fmt.Errorf("close pubsub client: %w", cerr)
			}
		}
	})
	return err
}
