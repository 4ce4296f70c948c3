package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"agroflow/internal/config"
	"agroflow/internal/platform/observability"
	"agroflow/internal/platform/retry"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Header keys added to dead-lettered Kafka records.
const (
	HeaderDeadLetterReason = "x-dead-letter-reason"
	HeaderOriginalTopic    = "x-original-topic"
)

// Producer writes records to Kafka.
type Producer interface {
	WriteMessage(ctx context.Context, msg kafkago.Message) error
	Close() error
}

// Kafka maps the exchange onto Kafka: each routing key is a topic named
// "<exchange>.<routing key>" and each queue is a consumer group.
type Kafka struct {
	brokers  []string
	exchange string
	producer Producer
	logger   observability.Logger
}

// NewKafka builds a traced Kafka producer for the exchange.
func NewKafka(brokers []string, exchange, serviceName string, tp trace.TracerProvider, logger observability.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no Kafka brokers configured")
	}

	baseWriter := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           config.BatchTimeout,
		BatchSize:              config.BatchSize,
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}

	writer, err := otelkafka.NewWriter(baseWriter,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingDestinationNameKey.String(exchange),
				attribute.String("messaging.kafka.client_id", serviceName),
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create traced Kafka writer: %w", err)
	}

	return newKafka(brokers, exchange, writer, logger), nil
}

func newKafka(brokers []string, exchange string, producer Producer, logger observability.Logger) *Kafka {
	return &Kafka{
		brokers:  brokers,
		exchange: exchange,
		producer: producer,
		logger:   logger,
	}
}

// Topic returns the Kafka topic carrying routingKey.
func (k *Kafka) Topic(routingKey string) string { return k.exchange + "." + routingKey }

// Publish writes the event keyed by its payload's harvest id when present so
// every event for one harvest lands on the same partition.
func (k *Kafka) Publish(ctx context.Context, routingKey string, payload any) error {
	env, body, err := encode(routingKey, payload)
	if err != nil {
		return err
	}

	msg := kafkago.Message{
		Topic: k.Topic(routingKey),
		Key:   []byte(partitionKey(env)),
		Value: body,
		Time:  env.Timestamp,
	}
	if err := k.producer.WriteMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	k.logger.Info("📤 Event published",
		zap.String("topic", msg.Topic),
		zap.String("event_id", env.EventID),
	)
	return nil
}

// Subscribe consumes the binding's topics as consumer group binding.Queue.
// Each record is committed after it has been handled or dead-lettered.
func (k *Kafka) Subscribe(ctx context.Context, binding Binding, handler Handler) error {
	topics := make([]string, 0, len(binding.RoutingKeys))
	for _, key := range binding.RoutingKeys {
		topics = append(topics, k.Topic(key))
	}

	err := retry.Forever(ctx, k.logger, "Kafka topic setup", func() error {
		return k.ensureTopics(ctx, append(topics, binding.DeadLetterQueue())...)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        k.brokers,
		GroupID:        binding.Queue,
		GroupTopics:    topics,
		StartOffset:    kafkago.FirstOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
	})
	defer reader.Close()

	k.logger.Info("Kafka consumer started. Waiting for messages...",
		zap.String("group", binding.Queue),
		zap.Strings("topics", topics),
	)

	bo := retry.NewBackOff()
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				k.logger.Info("Context done, exiting Kafka read loop.", zap.Error(err))
				return nil
			}
			wait := bo.NextBackOff()
			k.logger.Error("❌ Error reading from Kafka", zap.Error(err), zap.Duration("retry_in", wait))
			if retry.Sleep(ctx, wait) != nil {
				return nil
			}
			continue
		}
		bo.Reset()

		if !k.handle(ctx, binding, handler, msg) {
			k.logger.Info("Context done, leaving Kafka offset uncommitted.",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
			)
			return nil
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.logger.Error("❌ Failed to commit Kafka offset",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

// handle reports whether the record is settled and its offset may be
// committed. A record interrupted by shutdown is left for the next consumer.
func (k *Kafka) handle(ctx context.Context, binding Binding, handler Handler, msg kafkago.Message) bool {
	msgCtx := extractKafkaHeaders(ctx, msg.Headers)

	env, err := dispatch(msgCtx, handler, msg.Value)
	if err == nil {
		return true
	}
	if interrupted(ctx, err) {
		k.logger.Warn("⚠️ Handling interrupted by shutdown, record not committed",
			zap.String("group", binding.Queue),
			zap.String("event_id", env.EventID),
			zap.Error(err),
		)
		return false
	}

	k.logger.Error("❌ Message rejected, sending to dead-letter topic",
		zap.String("group", binding.Queue),
		zap.String("dlq", binding.DeadLetterQueue()),
		zap.String("event_type", env.EventType),
		zap.String("event_id", env.EventID),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(err),
	)
	if dlqErr := k.deadLetter(ctx, binding, msg, err); dlqErr != nil {
		k.logger.Error("❌ Failed to dead-letter message", zap.Error(dlqErr))
	}
	return true
}

func (k *Kafka) deadLetter(ctx context.Context, binding Binding, msg kafkago.Message, reason error) error {
	headers := append([]kafkago.Header(nil), msg.Headers...)
	headers = append(headers,
		kafkago.Header{Key: HeaderDeadLetterReason, Value: []byte(reason.Error())},
		kafkago.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
	)
	return k.producer.WriteMessage(ctx, kafkago.Message{
		Topic:   binding.DeadLetterQueue(),
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
}

// ensureTopics creates any missing topic through the cluster controller.
func (k *Kafka) ensureTopics(ctx context.Context, topics ...string) error {
	conn, err := kafkago.DialContext(ctx, "tcp", k.brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	controllerConn, err := kafkago.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	configs := make([]kafkago.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafkago.TopicConfig{Topic: t, NumPartitions: 1, ReplicationFactor: 1})
	}
	return controllerConn.CreateTopics(configs...)
}

// Close flushes and closes the producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}

func extractKafkaHeaders(ctx context.Context, headers []kafkago.Header) context.Context {
	carrier := make(map[string]string, len(headers))
	for _, h := range headers {
		carrier[h.Key] = string(h.Value)
	}
	return extractHeaders(ctx, carrier)
}

// partitionKey picks the harvest id from the payload, falling back to the
// event id.
func partitionKey(env Envelope) string {
	var keyed struct {
		CosechaID string `json:"cosecha_id"`
	}
	if env.Decode(&keyed) == nil && keyed.CosechaID != "" {
		return keyed.CosechaID
	}
	return env.EventID
}
