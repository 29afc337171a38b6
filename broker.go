package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// brokerSubjects are the subjects this service subscribes to, standing in
// for the original MQTT topics "MON", "device_data", and "device_data/#"
// (spec §6): NATS uses "." separators and ">" for the multi-level
// wildcard, so "device_data/#" becomes "device_data.>".
var brokerSubjects = []string{"MON", "device_data", "device_data.>"}

// controlSubject is where slider control messages are republished, the
// NATS analogue of the original's "PAR" topic.
const controlSubject = "PAR"

// Broker is the Broker Adapter (spec §4.7/component 10): owns the
// connection to the message broker, subscribes at an at-least-once quality
// of service via JetStream durable consumers, and feeds every received
// payload into the Raw Ingress Queue.
type Broker struct {
	conn        *nats.Conn
	js          nats.JetStreamContext
	subs        []*nats.Subscription
	ingress     *IngressQueue
	stats       *Stats
	logger      zerolog.Logger
	publishRate *rate.Limiter
}

// NewBroker connects to url, ensures a durable JetStream stream covering
// brokerSubjects exists, and binds one durable push consumer per subject
// with manual ack — the redelivery-on-Nak and retained-backlog-across-
// reconnects behavior spec §4.7/§6 asks for under QoS 1 ("the broker
// retains subscriptions and undelivered at-least-once messages across
// reconnects"). Reconnect tuning on the underlying connection mirrors the
// corpus's own NATS client wrapper
// (`adred-codev-ws_poc/go-server/pkg/nats/client.go`): buffered reconnect so
// a brief broker outage doesn't tear down the subscription.
// publishLimit/publishBurst bound how fast control messages may be
// republished to the broker, guarding against a misbehaving client
// flooding the "PAR" subject.
func NewBroker(url string, ingress *IngressQueue, stats *Stats, logger zerolog.Logger, publishLimit float64, publishBurst int, streamName, consumerName string, ackWait time.Duration) (*Broker, error) {
	b := &Broker{
		ingress:     ingress,
		stats:       stats,
		logger:      logger,
		publishRate: rate.NewLimiter(rate.Limit(publishLimit), publishBurst),
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("broker disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("broker reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("broker error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	b.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}
	b.js = js

	if _, err := js.StreamInfo(streamName); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  brokerSubjects,
			Retention: nats.InterestPolicy,
			Storage:   nats.FileStorage,
			Replicas:  1,
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("create jetstream stream %s: %w", streamName, err)
		}
		logger.Info().Str("stream", streamName).Msg("jetstream stream created")
	}

	for _, subject := range brokerSubjects {
		durable := durableName(consumerName, subject)
		sub, err := js.Subscribe(subject, b.onMessage, nats.Durable(durable), nats.ManualAck(), nats.AckWait(ackWait))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}

	return b, nil
}

// durableName turns a subject into a consumer name unique within the
// stream; JetStream durable names can't contain "." or ">".
func durableName(consumerName, subject string) string {
	sanitized := strings.NewReplacer(".", "-", ">", "wildcard").Replace(subject)
	return consumerName + "-" + sanitized
}

func (b *Broker) onMessage(msg *nats.Msg) {
	if b.ingress.Offer(msg.Data) {
		if err := msg.Ack(); err != nil {
			b.logger.Debug().Err(err).Str("subject", msg.Subject).Msg("failed to ack broker message")
		}
		return
	}

	b.stats.IncMQTTErrors()
	b.stats.IncLoss("queue_full")
	b.logger.Warn().Str("subject", msg.Subject).Msg("ingress queue full, nacking broker payload for redelivery")
	if err := msg.Nak(); err != nil {
		b.logger.Debug().Err(err).Str("subject", msg.Subject).Msg("failed to nak broker message")
	}
}

// PublishControl republishes a slider control message to controlSubject,
// mirroring the original's publish of slider commands to "PAR". Returns
// without publishing, and without error, when the publish rate limit is
// currently exhausted, logging the drop at debug level.
func (b *Broker) PublishControl(payload []byte) error {
	if !b.publishRate.Allow() {
		b.logger.Debug().Msg("dropping control message, broker publish rate limit exceeded")
		return nil
	}
	if err := b.conn.Publish(controlSubject, payload); err != nil {
		return fmt.Errorf("publish control message: %w", err)
	}
	return nil
}

// Connected reports whether the broker connection is currently up.
func (b *Broker) Connected() bool {
	return b.conn.IsConnected()
}

// Close drains and closes the broker connection.
func (b *Broker) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("error draining broker connection")
	}
}
