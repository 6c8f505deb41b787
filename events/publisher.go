/*
Package events publishes committed engine changes to NATS JetStream.

PURPOSE:
  The engine calls Publish after a mutation commits. Publish never blocks:
  events go onto a bounded channel and Run drains it to JetStream. A full
  buffer or a failed publish is logged and counted, never surfaced to the
  engine, because the treasury journal remains the source of truth.

SUBJECTS:
  <prefix>.<event type>, e.g. paramify.events.payout_released

SEE ALSO:
  - settlement/events.go: Event and EventSink
  - cmd/server/serve.go: wiring, stream creation
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/paramify/insurance-engine/settlement"
)

const (
	// DefaultSubjectPrefix is the subject root for outbound events.
	DefaultSubjectPrefix = "paramify.events"

	// DefaultBuffer is the number of events held while JetStream is slow.
	DefaultBuffer = 1024
)

// StreamPublisher is the subset of jetstream.JetStream used here.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher implements settlement.EventSink over JetStream.
type Publisher struct {
	js      StreamPublisher
	prefix  string
	queue   chan settlement.Event
	log     zerolog.Logger
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewPublisher creates a publisher. Call Run to start delivery.
func NewPublisher(js StreamPublisher, prefix string, buffer int, logger zerolog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Publisher{
		js:     js,
		prefix: prefix,
		queue:  make(chan settlement.Event, buffer),
		log:    logger,
	}
}

// Publish enqueues evt without blocking. When the buffer is full the event
// is dropped.
func (p *Publisher) Publish(evt settlement.Event) {
	select {
	case p.queue <- evt:
	default:
		p.dropped.Add(1)
		p.log.Warn().Str("type", string(evt.Type)).Msg("event buffer full, dropping event")
	}
}

// Run delivers queued events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-p.queue:
			if err := p.publish(ctx, evt); err != nil {
				p.failed.Add(1)
				p.log.Warn().Err(err).Str("type", string(evt.Type)).Msg("outbound publish failed")
			}
		}
	}
}

// Dropped is the number of events discarded because the buffer was full.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Failed is the number of events JetStream rejected.
func (p *Publisher) Failed() uint64 { return p.failed.Load() }

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(t settlement.EventType) string {
	return fmt.Sprintf("%s.%s", p.prefix, t)
}

func (p *Publisher) publish(ctx context.Context, evt settlement.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, p.Subject(evt.Type), data)
	return err
}

// =============================================================================
// CONNECTION
// =============================================================================

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("paramify"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
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

// EnsureStream creates or updates the stream holding outbound events.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, prefix string) error {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}
