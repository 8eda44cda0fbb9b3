package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/example/resy-booker/internal/logging"
)

// Message is one record to publish. Key keeps events of one request on one
// partition.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

type Producer struct {
	sync   sarama.SyncProducer
	logger *zap.Logger
}

func NewProducer(brokers []string, logger *zap.Logger) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V3_0_0_0

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerFrom(p, logger), nil
}

func NewProducerFrom(p sarama.SyncProducer, logger *zap.Logger) *Producer {
	return &Producer{sync: p, logger: logger}
}

// Publish sends m and carries the trace context in the record headers.
func (p *Producer) Publish(ctx context.Context, m Message) error {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make([]sarama.RecordHeader, 0, len(carrier))
	for k, v := range carrier {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	msg := &sarama.ProducerMessage{
		Topic:   m.Topic,
		Value:   sarama.ByteEncoder(m.Value),
		Headers: headers,
	}
	if m.Key != "" {
		msg.Key = sarama.StringEncoder(m.Key)
	}

	partition, offset, err := p.sync.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send to %s: %w", m.Topic, err)
	}
	logging.Debug(ctx, p.logger, "message sent",
		zap.String("topic", m.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (p *Producer) Close() error { return p.sync.Close() }

// LogProducer writes messages to the log instead of a broker, for
// deployments without Kafka.
type LogProducer struct {
	logger *zap.Logger
}

func NewLogProducer(logger *zap.Logger) *LogProducer { return &LogProducer{logger: logger} }

func (p *LogProducer) Publish(ctx context.Context, m Message) error {
	logging.Info(ctx, p.logger, "event",
		zap.String("topic", m.Topic),
		zap.String("key", m.Key),
		zap.ByteString("value", m.Value),
	)
	return nil
}

func (p *LogProducer) Close() error { return nil }
