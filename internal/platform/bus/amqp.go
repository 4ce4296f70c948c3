package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"agroflow/internal/platform/observability"
	"agroflow/internal/platform/retry"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQP is the RabbitMQ driver. Connections are re-established with
// exponential backoff for as long as the bus is open.
type AMQP struct {
	url         string
	exchange    string
	serviceName string
	logger      observability.Logger
	dial        func(url string) (*amqp.Connection, error)

	// ctx bounds background redials; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *amqp.Connection
	publish *amqp.Channel
	redial  *dialAttempt
	closed  bool
}

// dialAttempt is one background reconnect. done is closed when it ends.
type dialAttempt struct {
	done chan struct{}
	err  error
}

// NewAMQP connects to RabbitMQ, retrying until ctx is done, and declares the
// exchange topology.
func NewAMQP(ctx context.Context, url, exchange, serviceName string, logger observability.Logger) (*AMQP, error) {
	a := newAMQP(url, exchange, serviceName, amqp.Dial, logger)
	if _, err := a.connection(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func newAMQP(url, exchange, serviceName string, dial func(string) (*amqp.Connection, error), logger observability.Logger) *AMQP {
	ctx, cancel := context.WithCancel(context.Background())
	return &AMQP{
		url:         url,
		exchange:    exchange,
		serviceName: serviceName,
		logger:      logger,
		dial:        dial,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (a *AMQP) deadLetterExchange() string { return a.exchange + ".dlx" }

// connection returns the live connection. When there is none it starts a
// single background redial shared by every caller, and waits for it only
// as long as the caller's ctx allows.
func (a *AMQP) connection(ctx context.Context) (*amqp.Connection, error) {
	for {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return nil, ErrClosed
		}
		if a.conn != nil && !a.conn.IsClosed() {
			conn := a.conn
			a.mu.Unlock()
			return conn, nil
		}
		attempt := a.redial
		if attempt == nil {
			attempt = &dialAttempt{done: make(chan struct{})}
			a.redial = attempt
			a.publish = nil
			go a.reconnect(attempt)
		}
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", ctx.Err())
		case <-attempt.done:
		}
		if attempt.err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", attempt.err)
		}
	}
}

func (a *AMQP) reconnect(attempt *dialAttempt) {
	var conn *amqp.Connection
	err := retry.Forever(a.ctx, a.logger, "RabbitMQ connection", func() error {
		c, err := a.dial(a.url)
		if err != nil {
			return classifyAMQP(err)
		}
		if err := a.declareExchanges(c); err != nil {
			_ = c.Close()
			return classifyAMQP(err)
		}
		conn = c
		return nil
	})

	a.mu.Lock()
	switch {
	case err != nil:
		attempt.err = err
	case a.closed:
		_ = conn.Close()
		attempt.err = ErrClosed
	default:
		a.conn = conn
		a.logger.Info("✅ Connected to RabbitMQ", zap.String("exchange", a.exchange))
	}
	a.redial = nil
	a.mu.Unlock()
	close(attempt.done)
}

// fatalAMQP reports broker refusals a retry cannot fix: bad credentials or
// a topology that conflicts with what is already declared.
func fatalAMQP(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && (amqpErr.Code == amqp.AccessRefused || amqpErr.Code == amqp.PreconditionFailed)
}

func classifyAMQP(err error) error {
	if fatalAMQP(err) {
		return retry.Permanent(err)
	}
	return err
}

func (a *AMQP) declareExchanges(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(a.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", a.exchange, err)
	}
	if err := ch.ExchangeDeclare(a.deadLetterExchange(), amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", a.deadLetterExchange(), err)
	}
	return nil
}

func (a *AMQP) publishChannel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := a.connection(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.publish != nil && !a.publish.IsClosed() {
		return a.publish, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	a.publish = ch
	return ch, nil
}

// Publish sends a persistent message to the exchange under routingKey.
func (a *AMQP) Publish(ctx context.Context, routingKey string, payload any) error {
	env, body, err := encode(routingKey, payload)
	if err != nil {
		return err
	}

	ch, err := a.publishChannel(ctx)
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	for k, v := range injectHeaders(ctx) {
		headers[k] = v
	}

	err = ch.PublishWithContext(ctx, a.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.EventID,
		Timestamp:    env.Timestamp,
		Type:         routingKey,
		AppId:        a.serviceName,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	a.logger.Info("📤 Event published",
		zap.String("routing_key", routingKey),
		zap.String("event_id", env.EventID),
	)
	return nil
}

// Subscribe declares the binding's queue and consumes it until ctx is done,
// reconnecting whenever the broker drops the channel.
func (a *AMQP) Subscribe(ctx context.Context, binding Binding, handler Handler) error {
	for {
		err := a.consume(ctx, binding, handler)
		if ctx.Err() != nil {
			a.logger.Info("Context done, exiting RabbitMQ consume loop.", zap.String("queue", binding.Queue))
			return nil
		}
		if errors.Is(err, ErrClosed) || fatalAMQP(err) {
			return err
		}
		a.logger.Warn("⚠️ RabbitMQ consumer interrupted, reconnecting",
			zap.String("queue", binding.Queue),
			zap.Error(err),
		)
		if err := retry.Sleep(ctx, retry.InitialInterval); err != nil {
			return nil
		}
	}
}

func (a *AMQP) consume(ctx context.Context, binding Binding, handler Handler) error {
	conn, err := a.connection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consume channel: %w", err)
	}
	defer ch.Close()

	if err := a.declareQueue(ch, binding); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(binding.Queue, a.serviceName, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", binding.Queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	a.logger.Info("RabbitMQ consumer started. Waiting for messages...",
		zap.String("queue", binding.Queue),
		zap.Strings("routing_keys", binding.RoutingKeys),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			return fmt.Errorf("channel closed: %v", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			a.handle(ctx, binding, handler, d)
		}
	}
}

func (a *AMQP) declareQueue(ch *amqp.Channel, binding Binding) error {
	dlq := binding.DeadLetterQueue()
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, binding.Queue, a.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dlq, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    a.deadLetterExchange(),
		"x-dead-letter-routing-key": binding.Queue,
	}
	if _, err := ch.QueueDeclare(binding.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", binding.Queue, err)
	}
	for _, key := range binding.RoutingKeys {
		if err := ch.QueueBind(binding.Queue, key, a.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", binding.Queue, key, err)
		}
	}
	return nil
}

func (a *AMQP) handle(ctx context.Context, binding Binding, handler Handler, d amqp.Delivery) {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	msgCtx := extractHeaders(ctx, headers)

	env, err := dispatch(msgCtx, handler, d.Body)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			a.logger.Error("❌ Failed to ack message", zap.String("queue", binding.Queue), zap.Error(ackErr))
		}
		return
	}

	if interrupted(ctx, err) {
		a.logger.Warn("⚠️ Handling interrupted by shutdown, requeueing message",
			zap.String("queue", binding.Queue),
			zap.String("event_id", env.EventID),
			zap.Error(err),
		)
		if nackErr := d.Nack(false, true); nackErr != nil {
			a.logger.Error("❌ Failed to requeue message", zap.String("queue", binding.Queue), zap.Error(nackErr))
		}
		return
	}

	a.logger.Error("❌ Message rejected, sending to dead-letter queue",
		zap.String("queue", binding.Queue),
		zap.String("dlq", binding.DeadLetterQueue()),
		zap.String("event_type", env.EventType),
		zap.String("event_id", env.EventID),
		zap.Error(err),
	)
	if nackErr := d.Nack(false, false); nackErr != nil {
		a.logger.Error("❌ Failed to nack message", zap.String("queue", binding.Queue), zap.Error(nackErr))
	}
}

// Close closes the publish channel and the connection.
func (a *AMQP) Close() error {
	a.cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true

	var err error
	if a.publish != nil && !a.publish.IsClosed() {
		err = errors.Join(err, a.publish.Close())
	}
	if a.conn != nil && !a.conn.IsClosed() {
		err = errors.Join(err, a.conn.Close())
	}
	return err
}
