package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"eventrouter/internal/config"

	"github.com/nats-io/nats.go"
)

const (
	streamMaxAge     = 7 * 24 * time.Hour
	blockingFetchMax = time.Second
	pollFetchMax     = 100 * time.Millisecond
)

// JetStreamQueue is a work-queue stream drained by one durable pull consumer.
// Params: NATS connection, stream subject, and consumer subscription.
// Returns: queue shared by every process using the same stream and consumer.
type JetStreamQueue struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	sub *nats.Subscription
	cfg config.NATSQueueConfig
}

// NewJetStreamQueue connects, ensures the stream, and binds the pull consumer.
// Params: derived queue config.
// Returns: ready queue or setup error.
func NewJetStreamQueue(cfg config.NATSQueueConfig) (*JetStreamQueue, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for queue %s: %w", cfg.Stream, err)
	}
	if err := ensureWorkQueueStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, err
	}
	sub, err := js.PullSubscribe(cfg.Subject, cfg.Consumer, nats.BindStream(cfg.Stream), nats.AckExplicit())
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("pull subscribe %q/%q: %w", cfg.Subject, cfg.Consumer, err)
	}
	return &JetStreamQueue{nc: nc, js: js, sub: sub, cfg: cfg}, nil
}

// Push publishes payload onto the stream subject.
func (q *JetStreamQueue) Push(ctx context.Context, payload []byte) error {
	if _, err := q.js.Publish(q.cfg.Subject, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish to %s: %w", q.cfg.Subject, err)
	}
	return nil
}

// Pop fetches and acknowledges one message.
// Params: context bounding a blocking wait and blocking flag.
// Returns: payload, ErrEmpty (non-blocking), or fetch error.
func (q *JetStreamQueue) Pop(ctx context.Context, block bool) ([]byte, error) {
	for {
		wait := pollFetchMax
		if block {
			wait = blockingFetchMax
		}
		msgs, err := q.sub.Fetch(1, nats.MaxWait(wait))
		if err == nil && len(msgs) > 0 {
			msg := msgs[0]
			if ackErr := msg.AckSync(); ackErr != nil {
				return nil, fmt.Errorf("ack %s: %w", q.cfg.Subject, ackErr)
			}
			return msg.Data, nil
		}
		if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("fetch %s: %w", q.cfg.Subject, err)
		}
		if !block {
			return nil, ErrEmpty
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}
}

// PendingCount reports messages not yet delivered or acknowledged.
func (q *JetStreamQueue) PendingCount(context.Context) (int, error) {
	info, err := q.js.ConsumerInfo(q.cfg.Stream, q.cfg.Consumer)
	if err != nil {
		return 0, fmt.Errorf("consumer info %s/%s: %w", q.cfg.Stream, q.cfg.Consumer, err)
	}
	return int(info.NumPending) + info.NumAckPending, nil
}

// Close closes NATS connection; the durable consumer survives.
func (q *JetStreamQueue) Close() error {
	if q == nil || q.nc == nil {
		return nil
	}
	q.nc.Close()
	return nil
}

func ensureWorkQueueStream(js nats.JetStreamContext, stream, subject string) error {
	if _, err := js.StreamInfo(stream); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", stream, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    streamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", stream, err)
	}
	return nil
}
