package notifyqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"eventrouter/internal/config"

	"github.com/nats-io/nats.go"
)

const deliveryStreamMaxAge = 24 * time.Hour
const deliveryDLQStreamMaxAge = 7 * 24 * time.Hour

// SubjectFor returns the delivery subject of one medium type.
func SubjectFor(prefix, mediumType string) string {
	return prefix + "." + mediumType
}

// NATSProducer publishes alerts into the per-medium JetStream delivery subjects.
// Params: NATS connection and subject prefix.
// Returns: queue producer implementation.
type NATSProducer struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

// NewNATSProducer creates JetStream producer for delivery queues.
// Params: derived delivery queue config.
// Returns: initialized producer or setup error.
func NewNATSProducer(cfg config.NATSDeliveryQueueConfig) (*NATSProducer, error) {
	nc, js, err := openDeliveryJetStream(cfg)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js, prefix: cfg.SubjectPrefix}, nil
}

// Enqueue publishes one job onto its medium subject.
// Params: context and queue job payload.
// Returns: publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	if strings.TrimSpace(job.MediumType) == "" {
		return MarkPermanent(fmt.Errorf("enqueue %s: medium type is required", job.ID))
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal delivery job: %w", err)
	}
	msg := nats.NewMsg(SubjectFor(p.prefix, job.MediumType))
	msg.Data = body
	if strings.TrimSpace(job.ID) != "" {
		msg.Header.Set("Nats-Msg-Id", strings.TrimSpace(job.ID))
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish delivery job: %w", err)
	}
	return nil
}

// Close closes producer NATS connection.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes delivery jobs via queue group consumer.
// Params: NATS connection and queue subscription.
// Returns: worker lifecycle handle.
type NATSWorker struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	sub    *nats.Subscription
	logger *slog.Logger
	cfg    config.NATSDeliveryQueueConfig
}

// NewNATSWorker starts queue consumer over every medium subject.
// Params: delivery queue config, logger, and per-job handler callback.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.NATSDeliveryQueueConfig, logger *slog.Logger, handler Handler) (*NATSWorker, error) {
	nc, js, err := openDeliveryJetStream(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	worker := &NATSWorker{nc: nc, js: js, logger: logger, cfg: cfg}
	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.SubjectPrefix+".>", cfg.DeliverGroup, func(message *nats.Msg) {
		worker.handle(message, handler)
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe delivery %q/%q: %w", cfg.SubjectPrefix, cfg.DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

func (w *NATSWorker) handle(message *nats.Msg, handler Handler) {
	if message == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.logger.Warn("delivery job decode failed", "subject", message.Subject, "error", err.Error())
		_ = message.Ack()
		return
	}
	if handler == nil {
		_ = message.Ack()
		return
	}
	err := handler(context.Background(), job)
	if err == nil {
		_ = message.Ack()
		return
	}

	w.logger.Error("delivery job failed", "job_id", job.ID, "medium", job.MediumType, "error", err.Error())
	attempts := deliveryAttempts(message)
	reason := DLQReason("")
	if IsPermanent(err) {
		reason = DLQReasonPermanentError
	} else if isMaxDeliverExceeded(attempts, w.cfg.MaxDeliver) {
		reason = DLQReasonMaxDeliverExceeded
	}
	if reason == "" {
		w.nak(message)
		return
	}
	if w.cfg.DLQEnabled {
		if dlqErr := w.publishDLQ(context.Background(), message, job, reason, err, attempts); dlqErr != nil {
			w.logger.Error("delivery dlq publish failed", "job_id", job.ID, "reason", reason, "error", dlqErr.Error())
			w.nak(message)
			return
		}
	}
	_ = message.Ack()
}

func (w *NATSWorker) nak(message *nats.Msg) {
	if delay := time.Duration(w.cfg.NackDelayMS) * time.Millisecond; delay > 0 {
		_ = message.NakWithDelay(delay)
		return
	}
	_ = message.Nak()
}

// Close drains worker subscription and closes NATS connection.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

// PendingCount reports jobs not yet acknowledged by the delivery consumer.
func (w *NATSWorker) PendingCount() (int, error) {
	info, err := w.js.ConsumerInfo(w.cfg.Stream, w.cfg.ConsumerName)
	if err != nil {
		return 0, fmt.Errorf("delivery consumer info: %w", err)
	}
	return int(info.NumPending) + info.NumAckPending, nil
}

// ensureStream ensures one JetStream stream exists with provided options.
// Params: JetStream context and stream settings.
// Returns: stream create/lookup error.
func ensureStream(
	js nats.JetStreamContext,
	streamName string,
	subject string,
	retention nats.RetentionPolicy,
	maxAge time.Duration,
) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// openDeliveryJetStream opens connection and ensures delivery (and DLQ) streams exist.
func openDeliveryJetStream(cfg config.NATSDeliveryQueueConfig) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, nil, fmt.Errorf("connect delivery queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for delivery queue: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.SubjectPrefix+".>", nats.WorkQueuePolicy, deliveryStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.DLQEnabled {
		if err := ensureStream(js, cfg.DLQStream, cfg.DLQSubject, nats.LimitsPolicy, deliveryDLQStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// deliveryAttempts returns number of delivery attempts from JetStream metadata.
func deliveryAttempts(message *nats.Msg) uint64 {
	if message == nil {
		return 0
	}
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}

// isMaxDeliverExceeded reports if current attempt reached configured max deliver.
func isMaxDeliverExceeded(attempts uint64, maxDeliver int) bool {
	if maxDeliver <= 0 {
		return false
	}
	return attempts >= uint64(maxDeliver)
}

// publishDLQ publishes failed job metadata to the dead-letter subject.
func (w *NATSWorker) publishDLQ(ctx context.Context, message *nats.Msg, job Job, reason DLQReason, cause error, attempts uint64) error {
	entry := DLQEntry{
		Job:        job,
		Reason:     reason,
		Error:      strings.TrimSpace(errorString(cause)),
		Attempts:   attempts,
		MaxDeliver: w.cfg.MaxDeliver,
		FailedAt:   time.Now().UTC(),
	}
	if message != nil {
		entry.Subject = message.Subject
		entry.OriginalMsgID = strings.TrimSpace(message.Header.Get("Nats-Msg-Id"))
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal delivery dlq entry: %w", err)
	}
	msg := nats.NewMsg(w.cfg.DLQSubject)
	msg.Data = body
	if strings.TrimSpace(job.ID) != "" {
		msg.Header.Set("Nats-Msg-Id", fmt.Sprintf("%s:dlq:%s:%d", strings.TrimSpace(job.ID), reason, attempts))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish delivery dlq entry: %w", err)
	}
	return nil
}

func errorString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
