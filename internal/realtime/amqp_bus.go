package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
)

// amqpChannel is the subset of *amqp.Channel the bus uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPBus fans out over a RabbitMQ fanout exchange. Every process binds its
// own exclusive, auto-deleted queue to the exchange.
type AMQPBus struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string

	mu       sync.Mutex
	declared bool
}

func NewAMQPBus(amqpURL, exchange string) (*AMQPBus, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPBus{conn: conn, channel: ch, exchange: exchange}, nil
}

func newAMQPBusWithChannel(ch amqpChannel, exchange string) *AMQPBus {
	return &AMQPBus{channel: ch, exchange: exchange}
}

func (b *AMQPBus) Name() string { return "amqp" }

func (b *AMQPBus) declare() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declared {
		return nil
	}
	err := b.channel.ExchangeDeclare(
		b.exchange,
		"fanout",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	b.declared = true
	return nil
}

func (b *AMQPBus) Publish(ctx context.Context, payload []byte) error {
	if err := b.declare(); err != nil {
		return err
	}
	return b.channel.Publish(
		b.exchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
		},
	)
}

func (b *AMQPBus) Subscribe(ctx context.Context, handler func(payload []byte)) error {
	if err := b.declare(); err != nil {
		return err
	}
	q, err := b.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := b.channel.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s: %w", q.Name, b.exchange, err)
	}
	deliveries, err := b.channel.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					slog.Warn("AMQP delivery channel closed", "exchange", b.exchange)
					return
				}
				handler(d.Body)
			}
		}
	}()
	return nil
}

func (b *AMQPBus) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
