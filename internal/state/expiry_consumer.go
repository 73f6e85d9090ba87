package state

import (
	"context"
	"strings"

	"eventrouter/internal/config"

	"github.com/nats-io/nats.go"
)

// ExpiryConsumer consumes KV delete markers from the expiring bucket stream.
// Params: NATS connection, subscription, and callback handler.
// Returns: queue consumer lifecycle handle.
type ExpiryConsumer struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewExpiryConsumer starts queue consumer for expiring-key delete markers.
// Params: NATS settings and callback receiving the expired key and marker reason.
// Returns: running consumer or setup error.
func NewExpiryConsumer(cfg config.NATSStateConfig, handler func(ctx context.Context, key, reason string) error) (*ExpiryConsumer, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	consumer := &ExpiryConsumer{nc: nc}
	stream := "KV_" + cfg.ExpiringBucket

	sub, err := js.QueueSubscribe(cfg.ExpirySubjectWildcard, cfg.ExpiryDeliverGroup, func(message *nats.Msg) {
		if !isTombstone(message.Header, message.Data) {
			_ = message.Ack()
			return
		}
		reason := message.Header.Get(headerMarkerReason)
		key := extractKVKeyFromSubject(cfg.ExpiringBucket, message.Subject)
		if key != "" && handler != nil {
			if err := handler(context.Background(), key, reason); err != nil {
				_ = message.Nak()
				return
			}
		}
		_ = message.Ack()
	},
		nats.BindStream(stream),
		nats.Durable(cfg.ExpiryConsumerName),
		nats.ManualAck(),
		nats.DeliverNew(),
		nats.AckExplicit(),
	)
	if err != nil {
		nc.Close()
		return nil, err
	}

	consumer.sub = sub
	return consumer, nil
}

// Close drains subscription and closes NATS connection.
// Params: none.
// Returns: close error when drain fails.
func (c *ExpiryConsumer) Close() error {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.nc.Close()
			return err
		}
	}
	c.nc.Close()
	return nil
}

// extractKVKeyFromSubject extracts key from $KV.<bucket>.<key> subject.
// Params: bucket name and full subject.
// Returns: key or empty on mismatch.
func extractKVKeyFromSubject(bucket, subject string) string {
	prefix := "$KV." + bucket + "."
	if !strings.HasPrefix(subject, prefix) {
		return ""
	}
	return strings.TrimPrefix(subject, prefix)
}
