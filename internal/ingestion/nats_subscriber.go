package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes the inbound JetStream subjects and hands every
// message to eventChan. Messages are acked by the dispatcher once handled.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is one undecoded inbound message.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed or permanently rejected
	NakFunc   func() // redeliver
}

// SubjectConfig binds a subject filter to a durable consumer.
type SubjectConfig struct {
	Subject      string
	Kind         Kind
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one consumer per message kind.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "perpsettle.oracle.>", Kind: KindOracle, ConsumerName: "settle-oracle", StreamName: "PERPSETTLE_ORACLE"},
		{Subject: "perpsettle.params.>", Kind: KindParams, ConsumerName: "settle-params", StreamName: "PERPSETTLE_PARAMS"},
		{Subject: "perpsettle.protocol", Kind: KindProtocol, ConsumerName: "settle-protocol", StreamName: "PERPSETTLE_PARAMS"},
		{Subject: "perpsettle.commands.update.>", Kind: KindUpdate, ConsumerName: "settle-cmd-update", StreamName: "PERPSETTLE_COMMANDS"},
		{Subject: "perpsettle.commands.settle.>", Kind: KindSettle, ConsumerName: "settle-cmd-settle", StreamName: "PERPSETTLE_COMMANDS"},
		{Subject: "perpsettle.commands.liquidate.>", Kind: KindLiquidate, ConsumerName: "settle-cmd-liquidate", StreamName: "PERPSETTLE_COMMANDS"},
		{Subject: "perpsettle.commands.claim.>", Kind: KindClaim, ConsumerName: "settle-cmd-claim", StreamName: "PERPSETTLE_COMMANDS"},
		{Subject: "perpsettle.wallets.deposit", Kind: KindDeposit, ConsumerName: "settle-wallet-deposit", StreamName: "PERPSETTLE_WALLETS"},
		{Subject: "perpsettle.wallets.withdraw", Kind: KindWithdraw, ConsumerName: "settle-wallet-withdraw", StreamName: "PERPSETTLE_WALLETS"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}
	return nil
}

func stream(name string, subjects ...string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
}

// EnsureStreams creates the inbound streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		stream("PERPSETTLE_ORACLE", "perpsettle.oracle.>"),
		stream("PERPSETTLE_PARAMS", "perpsettle.params.>", "perpsettle.protocol"),
		stream("PERPSETTLE_COMMANDS", "perpsettle.commands.>"),
		stream("PERPSETTLE_WALLETS", "perpsettle.wallets.>"),
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpsettle"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
