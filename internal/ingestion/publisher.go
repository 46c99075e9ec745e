package ingestion

import (
	"context"
	"fmt"
	"time"

	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes emitted events to NATS for downstream consumers.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan *event.EventEnvelope
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan *event.EventEnvelope, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// OutboundSubject is perpsettle.events.{event_type}.{market}.
func OutboundSubject(env *event.EventEnvelope) string {
	return fmt.Sprintf("perpsettle.events.%s.%s", env.EventType.Subject(), env.Market)
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if op.metrics != nil {
				op.metrics.SetChannelMetrics("publish", len(op.inputChan), cap(op.inputChan))
			}
			if err := op.publish(ctx, env); err != nil {
				// subscribers can catch up from the event log
				op.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	data, err := env.MarshalWire()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// JetStream drops a repeated msg id inside the stream Duplicates window
	_, err = op.js.Publish(ctx, OutboundSubject(env), data, jetstream.WithMsgID(env.IdempotencyKey))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "PERPSETTLE_EVENTS",
		Subjects:   []string{"perpsettle.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "PERPSETTLE_EVENTS").Msg("ensured outbound stream")
	return nil
}
