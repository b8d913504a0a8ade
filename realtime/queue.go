package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

const (
	defaultQueueBatch = 16
	defaultQueueIdle  = time.Second

	// UserPlaceholder in a queue name is replaced by the board user's ID.
	UserPlaceholder = "{user}"
)

// QueueNameFor expands UserPlaceholder in name so each user drains a queue
// of their own. The user part is folded to lower-case letters, digits and
// single dashes as storage queue names require.
func QueueNameFor(name, userID string) string {
	if !strings.Contains(name, UserPlaceholder) {
		return name
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(userID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	user := strings.TrimRight(b.String(), "-")
	out := strings.ReplaceAll(name, UserPlaceholder, user)
	if len(out) > 63 {
		out = strings.TrimRight(out[:63], "-")
	}
	return out
}

type queueMessage struct {
	id         string
	popReceipt string
	text       string
}

// queueReceiver is the slice of the storage queue API the channel needs.
type queueReceiver interface {
	ping(ctx context.Context) error
	receive(ctx context.Context, max int) ([]queueMessage, error)
	remove(ctx context.Context, msg queueMessage) error
}

// QueueChannel polls an Azure Storage Queue for envelopes. Each message is
// deleted once handled, including messages that fail to decode.
type QueueChannel struct {
	Backoff Backoff
	// Idle is the pause after an empty poll.
	Idle  time.Duration
	Batch int

	queue  queueReceiver
	userID string
	logger *log.Logger
	life   lifecycle
}

// NewQueueChannel opens a queue client from a storage connection string.
func NewQueueChannel(connStr, queueName, userID string, logger *log.Logger) (*QueueChannel, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	qc, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return newQueueChannel(azureQueue{client: qc}, userID, logger), nil
}

func newQueueChannel(q queueReceiver, userID string, logger *log.Logger) *QueueChannel {
	if logger == nil {
		panic("realtime: logger is required")
	}
	return &QueueChannel{queue: q, userID: userID, logger: logger, Idle: defaultQueueIdle, Batch: defaultQueueBatch}
}

func (c *QueueChannel) Connect(ctx context.Context, h Handler) error {
	return c.life.start(ctx, c.queue.ping, func(ctx context.Context) {
		c.run(ctx, h)
	})
}

func (c *QueueChannel) Close() error {
	c.life.stop()
	return nil
}

func (c *QueueChannel) run(ctx context.Context, h Handler) {
	batch := c.Batch
	if batch <= 0 || batch > 32 {
		batch = defaultQueueBatch
	}
	attempt := 0
	for ctx.Err() == nil {
		msgs, err := c.queue.receive(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			c.logger.WithError(err).WithField("attempt", attempt).Warn("queue receive failed")
			if !sleep(ctx, c.Backoff.Delay(attempt)) {
				return
			}
			continue
		}
		attempt = 0
		if len(msgs) == 0 {
			if !sleep(ctx, c.Idle) {
				return
			}
			continue
		}
		for _, msg := range msgs {
			c.handle(h, msg)
			if err := c.queue.remove(ctx, msg); err != nil && ctx.Err() == nil {
				c.logger.WithError(err).WithField("message", msg.id).Error("queue delete failed")
			}
		}
	}
}

func (c *QueueChannel) handle(h Handler, msg queueMessage) {
	env, err := DecodeEnvelope([]byte(msg.text))
	if err != nil {
		c.logger.WithError(err).WithField("message", msg.id).Error("unable to parse queued event")
		return
	}
	if env.UserID != "" && c.userID != "" && env.UserID != c.userID {
		return
	}
	if err := Dispatch(h, env.Event, env.Data); err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			c.logger.WithField("event", env.Event).Debug("ignoring unknown event")
			return
		}
		c.logger.WithError(err).WithField("event", env.Event).Error("unable to apply event")
	}
}

type azureQueue struct {
	client *azqueue.QueueClient
}

func (q azureQueue) ping(ctx context.Context) error {
	_, err := q.client.GetProperties(ctx, nil)
	return err
}

func (q azureQueue) receive(ctx context.Context, max int) ([]queueMessage, error) {
	resp, err := q.client.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{NumberOfMessages: to.Ptr(int32(max))})
	if err != nil {
		return nil, err
	}
	out := make([]queueMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.MessageID == nil || m.PopReceipt == nil {
			continue
		}
		msg := queueMessage{id: *m.MessageID, popReceipt: *m.PopReceipt}
		if m.MessageText != nil {
			msg.text = *m.MessageText
		}
		out = append(out, msg)
	}
	return out, nil
}

func (q azureQueue) remove(ctx context.Context, msg queueMessage) error {
	_, err := q.client.DeleteMessage(ctx, msg.id, msg.popReceipt, nil)
	return err
}
