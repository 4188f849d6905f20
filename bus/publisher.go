package bus

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/storefront-ops/remedy/model"
)

// SignalPublisher publishes signals onto the bus. The HTTP API uses it so
// operator-submitted signals travel the same path as automated ones.
type SignalPublisher interface {
	// PublishSignal publishes one signal to the queue.
	PublishSignal(sig *model.Signal) error

	// Close closes the connection to the message queue.
	Close() error
}

// Publisher is the RabbitMQ-backed SignalPublisher.
type Publisher struct {
	connection AMQPConnection
	channel    AMQPChannel
	config     Config
}

// NewPublisher connects to RabbitMQ, opens a channel, and declares the
// durable signal queue.
func NewPublisher(config Config) (*Publisher, error) {
	return NewPublisherWithDialer(config, &RealAMQPDialer{})
}

// NewPublisherWithDialer creates a publisher with an injected dialer, for
// testing.
func NewPublisherWithDialer(config Config, dialer AMQPDialer) (*Publisher, error) {
	conn, err := dialer.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		config.QueueName, // name
		true,             // durable
		false,            // delete when unused
		false,            // exclusive
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &Publisher{
		connection: conn,
		channel:    ch,
		config:     config,
	}, nil
}

// PublishSignal serializes the signal to JSON and publishes it to the
// queue on the default exchange.
func (p *Publisher) PublishSignal(sig *model.Signal) error {
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("refusing to publish invalid signal: %w", err)
	}
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	err = p.channel.Publish(
		"",                 // exchange (empty string means default exchange)
		p.config.QueueName, // routing key (queue name)
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	return nil
}

// Close closes the RabbitMQ connection and channel.
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.connection != nil {
		p.connection.Close()
	}
	return nil
}
