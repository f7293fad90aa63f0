package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/observability/metrics"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the event mirror topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaWriter mirrors abuse events to a Kafka topic as JSON, keyed by action,
// so downstream moderation tooling can consume them.
type KafkaWriter struct {
	writer  kafkaMessageWriter
	buffer  chan *AbuseEvent
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewKafkaWriter validates cfg and starts the background publish loop.
func NewKafkaWriter(cfg KafkaConfig, logger *zap.Logger) (*KafkaWriter, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	kw := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           flushInterval,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaWriter(kw, logger), nil
}

func newKafkaWriter(w kafkaMessageWriter, logger *zap.Logger) *KafkaWriter {
	k := &KafkaWriter{
		writer:  w,
		buffer:  make(chan *AbuseEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go k.publishLoop()
	return k
}

// Write queues an event. Non-blocking: drops the event if the buffer is full.
func (k *KafkaWriter) Write(event *AbuseEvent) {
	select {
	case k.buffer <- event:
	default:
		metrics.AbuseEventsDroppedTotal.WithLabelValues("kafka").Inc()
		k.logger.Warn("kafka buffer full, dropping event", zap.String("event_id", event.ID))
	}
}

// Close publishes what is buffered and closes the producer.
func (k *KafkaWriter) Close() {
	close(k.done)
	<-k.flushed
	if err := k.writer.Close(); err != nil {
		k.logger.Warn("kafka close failed", zap.Error(err))
	}
}

func (k *KafkaWriter) publishLoop() {
	defer close(k.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, flushBatch)
	add := func(e *AbuseEvent) {
		value, err := json.Marshal(e)
		if err != nil {
			k.logger.Error("kafka encode event failed", zap.String("event_id", e.ID), zap.Error(err))
			return
		}
		batch = append(batch, kafka.Message{Key: []byte(e.Action), Value: value, Time: e.CreatedAt})
	}

	for {
		select {
		case e := <-k.buffer:
			add(e)
			if len(batch) >= flushBatch {
				k.publish(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				k.publish(batch)
				batch = batch[:0]
			}
		case <-k.done:
		drain:
			for {
				select {
				case e := <-k.buffer:
					add(e)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				k.publish(batch)
			}
			return
		}
	}
}

func (k *KafkaWriter) publish(msgs []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		k.logger.Error("kafka publish failed", zap.Int("batch_size", len(msgs)), zap.Error(err))
	}
}
