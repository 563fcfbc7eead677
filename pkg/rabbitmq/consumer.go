package rabbitmq

import (
	"errors"
	"log"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// consumerPrefetch bounds unacked deliveries per channel. Handlers run status
// transitions against Postgres; a small window keeps redeliveries cheap when a
// handler requeues.
const consumerPrefetch = 8

// Consumer subscribes queues on the provider adapter exchange. Each routing key
// maps to a handler whose bool return is the ack decision: true acknowledges,
// false requeues the delivery.
type Consumer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// NewConsumer dials the broker and opens a consuming channel.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, channel: ch}, nil
}

// ConsumeWithBindings declares the exchange and queue, binds one routing key per
// handler and starts the delivery loop in a goroutine. Deliveries for a routing
// key without a handler are acknowledged and dropped so they do not circulate.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return errors.New("no bindings provided")
	}

	if err := c.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte) bool, len(bindings))
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		if err := c.channel.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
		handlers[routingKey] = handler
		log.Printf("level=info component=rabbitmq_consumer msg=\"queue bound\" queue=%s exchange=%s routing_key=%s", q.Name, exchange, routingKey)
	}

	deliveries, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range deliveries {
			handler, ok := handlers[d.RoutingKey]
			if !ok {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"unbound routing key; dropping\" queue=%s routing_key=%s", q.Name, d.RoutingKey)
				d.Ack(false)
				continue
			}
			if handler(d.Body) {
				d.Ack(false)
			} else {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"handler requeued delivery\" queue=%s routing_key=%s", q.Name, d.RoutingKey)
				d.Nack(false, true)
			}
		}
		log.Printf("level=warn component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", q.Name)
	}()

	return nil
}

// Close shuts the channel and connection.
func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
