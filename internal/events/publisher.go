// Package events provides event publishing functionality.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"call-relay-service/internal/models"
	"call-relay-service/internal/observability/metrics"
	"call-relay-service/internal/schema"
)

// Publisher publishes call events to separate Kafka topics.
type Publisher struct {
	writerTranscript *kafka.Writer
	writerLifecycle  *kafka.Writer
	principal        string
	topicTranscript  string
	topicLifecycle   string
	enabled          bool
	validator        *schema.Validator
	metrics          *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers         []string
	TopicTranscript string
	TopicLifecycle  string
	Principal       string
	Enabled         bool
}

// New creates a Kafka event publisher with one topic for transcript entries and one for call lifecycle.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics
	v := schema.New()

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled:   false,
			validator: v,
			metrics:   m,
		}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:       cfg.Principal,
			topicTranscript: cfg.TopicTranscript,
			topicLifecycle:  cfg.TopicLifecycle,
			enabled:         false,
			validator:       v,
			metrics:         m,
		}
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTranscript", cfg.TopicTranscript).
		Str("topicLifecycle", cfg.TopicLifecycle).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerTranscript: newWriter(cfg.Brokers, cfg.TopicTranscript, transport),
		writerLifecycle:  newWriter(cfg.Brokers, cfg.TopicLifecycle, transport),
		principal:        cfg.Principal,
		topicTranscript:  cfg.TopicTranscript,
		topicLifecycle:   cfg.TopicLifecycle,
		enabled:          true,
		validator:        v,
		metrics:          m,
	}
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// PublishTranscriptEntry publishes one finalized entry, keyed by call id so a
// call's entries stay ordered within a partition.
func (p *Publisher) PublishTranscriptEntry(ctx context.Context, event models.TranscriptEntryEvent) error {
	return p.publish(ctx, p.writerTranscript, p.topicTranscript, event.EventType, event.CallID, event)
}

// PublishCallEnded publishes the call summary.
func (p *Publisher) PublishCallEnded(ctx context.Context, event models.CallEndedEvent) error {
	return p.publish(ctx, p.writerLifecycle, p.topicLifecycle, event.EventType, event.CallID, event)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	if p.validator != nil {
		if err := p.validator.Validate(event); err != nil {
			log.Error().Err(err).Str("topic", topic).Str("key", key).Msg("Rejected invalid event")
			p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
			return err
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Enabled reports whether events reach Kafka.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerTranscript != nil {
		if e := p.writerTranscript.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing transcript writer")
			err = e
		}
	}
	if p.writerLifecycle != nil {
		if e := p.writerLifecycle.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing lifecycle writer")
			err = e
		}
	}
	return err
}
