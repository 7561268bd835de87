package rabbitmq

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one delivery body. Returning false re-queues the message.
type Handler func(body []byte) bool

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

// WithPrefetch limits unacknowledged deliveries per consumer.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) { c.prefetch = n }
}

// WithDeadLetterExchange routes rejected deliveries to exchange, where a
// "<queue>.dead" queue collects them.
func WithDeadLetterExchange(exchange string) ConsumerOption {
	return func(c *Consumer) { c.deadLetterExchange = exchange }
}

// Consumer binds one durable queue to a topic exchange and dispatches
// deliveries to handlers by routing key.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger

	prefetch           int
	deadLetterExchange string
}

func NewConsumer(amqpURL string, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	addr, err := cleanURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Consumer{logger: logger}
	for _, opt := range opts {
		opt(c)
	}

	c.conn, err = amqp.Dial(addr)
	if err != nil {
		return nil, err
	}
	c.ch, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return nil, err
	}
	if c.prefetch > 0 {
		if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
			c.Close()
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}
	return c, nil
}

// ConsumeWithBindings declares the exchange and queue, binds every routing key
// and starts delivering in the background.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return errors.New("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	var queueArgs amqp.Table
	if c.deadLetterExchange != "" {
		if err := c.declareDeadLetter(queueName); err != nil {
			return err
		}
		queueArgs = amqp.Table{"x-dead-letter-exchange": c.deadLetterExchange}
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, queueArgs)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", routingKey, q.Name, err)
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	c.logger.Info("consumer started",
		zap.String("component", "rabbitmq_consumer"),
		zap.String("exchange", exchange),
		zap.String("queue", q.Name),
		zap.Int("bindings", len(handlers)),
	)
	go func() {
		for d := range msgs {
			c.deliver(handlers, d)
		}
		c.logger.Warn("delivery channel closed", zap.String("component", "rabbitmq_consumer"), zap.String("queue", q.Name))
	}()
	return nil
}

func (c *Consumer) declareDeadLetter(queueName string) error {
	if err := c.ch.ExchangeDeclare(c.deadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %s: %w", c.deadLetterExchange, err)
	}
	dead, err := c.ch.QueueDeclare(queueName+".dead", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	return c.ch.QueueBind(dead.Name, "", c.deadLetterExchange, false, nil)
}

// deliver acks handled and unroutable messages, re-queues when the handler
// asks for it, and rejects without requeue when the handler panics.
func (c *Consumer) deliver(handlers map[string]Handler, d amqp.Delivery) {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		c.logger.Warn("no handler for routing key; acknowledging to drop",
			zap.String("component", "rabbitmq_consumer"),
			zap.String("routing_key", d.RoutingKey),
		)
		d.Ack(false)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked; rejecting",
				zap.String("component", "rabbitmq_consumer"),
				zap.String("routing_key", d.RoutingKey),
				zap.Any("panic", r),
			)
			d.Nack(false, false)
		}
	}()

	if handler(d.Body) {
		d.Ack(false)
		return
	}
	c.logger.Warn("handler failed; re-queuing",
		zap.String("component", "rabbitmq_consumer"),
		zap.String("routing_key", d.RoutingKey),
	)
	d.Nack(false, true)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
