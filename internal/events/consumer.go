// consumer.go - RabbitMQ topic consumer for donation lifecycle events

package events

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HandlerFunc processes one message body. Returning false re-queues it.
type HandlerFunc func(ctx context.Context, body []byte) bool

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	wg   sync.WaitGroup
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings declares a durable topic exchange and queue, binds one
// routing key per handler and starts workers goroutines that dispatch
// deliveries until the channel closes.
func (c *Consumer) ConsumeWithBindings(ctx context.Context, exchange, queueName string, workers int, bindings map[string]HandlerFunc) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}
	if workers <= 0 {
		workers = 1
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	handlers := make(map[string]HandlerFunc)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s: %w", routingKey, err)
		}
	}

	if err := c.ch.Qos(workers, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", q.Name, err)
	}

	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for d := range msgs {
				dispatch(ctx, d, handlers)
			}
		}()
	}

	log.Printf("📥 Consuming %s on %s (%d workers)", q.Name, exchange, workers)
	return nil
}

// dispatch routes one delivery to its handler and settles it.
func dispatch(ctx context.Context, d amqp.Delivery, handlers map[string]HandlerFunc) {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		log.Printf("No handler for routing key %s; acknowledging to drop", d.RoutingKey)
		if err := d.Ack(false); err != nil {
			log.Printf("⚠️  ack failed: %v", err)
		}
		return
	}

	if handler(ctx, d.Body) {
		if err := d.Ack(false); err != nil {
			log.Printf("⚠️  ack failed: %v", err)
		}
		return
	}

	log.Printf("Handler for routing key %s failed; re-queuing", d.RoutingKey)
	if err := d.Nack(false, true); err != nil {
		log.Printf("⚠️  nack failed: %v", err)
	}
}

// Close closes the channel, which ends the delivery stream, and waits for
// in-flight handlers.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	c.wg.Wait()
	if c.conn != nil {
		c.conn.Close()
	}
}
