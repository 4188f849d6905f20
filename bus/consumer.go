package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"

	"github.com/storefront-ops/remedy/breaker"
	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
)

// deadLetterKey is the Redis list malformed deliveries are parked on for
// operator replay.
const deadLetterKey = "remedy:bus:dead_letter"

// Config holds the signal bus settings.
type Config struct {
	URL       string
	QueueName string
	// Prefetch bounds unacked in-flight deliveries per consumer.
	Prefetch int
	// Workers bounds concurrent delivery handling. Per-issue ordering is
	// preserved by the orchestrator's issue-level serialization.
	Workers int
}

// Handler processes one decoded signal. The delivery is acked only after
// the handler returns nil; an error leaves the signal on the queue for
// redelivery.
type Handler func(ctx context.Context, sig *model.Signal) error

// Consumer pulls signals off the bus and hands them to the orchestrator.
// Connection loss triggers exponential-backoff reconnects; in-flight
// unacked deliveries are redelivered by the broker, and the engine's
// per-signal dedup absorbs the duplicates.
type Consumer struct {
	config  Config
	dialer  AMQPDialer
	redis   redis.UniversalClient
	breaker *breaker.Breaker
	logger  *common.ContextLogger

	mu      sync.Mutex
	conn    AMQPConnection
	channel AMQPChannel
	done    chan struct{}
	stopped bool
}

// NewConsumer builds a consumer using the real AMQP dialer. br may be
// nil, which disables the connect-path breaker.
func NewConsumer(config Config, redisClient redis.UniversalClient, br *breaker.Breaker, logger *common.ContextLogger) *Consumer {
	return NewConsumerWithDialer(config, &RealAMQPDialer{}, redisClient, br, logger)
}

// NewConsumerWithDialer builds a consumer with an injected dialer, for
// testing.
func NewConsumerWithDialer(config Config, dialer AMQPDialer, redisClient redis.UniversalClient, br *breaker.Breaker, logger *common.ContextLogger) *Consumer {
	if config.Prefetch <= 0 {
		config.Prefetch = 16
	}
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU() * 2
	}
	return &Consumer{
		config:  config,
		dialer:  dialer,
		redis:   redisClient,
		breaker: br,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// connect dials the broker, declares the durable queue, and sets the
// prefetch window.
func (c *Consumer) connect() (<-chan amqp.Delivery, error) {
	conn, err := c.dialer.Dial(c.config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		c.config.QueueName, // name
		true,               // durable
		false,              // delete when unused
		false,              // exclusive
		false,              // no-wait
		nil,                // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.Qos(c.config.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := ch.Consume(
		c.config.QueueName, // queue
		"remedy-consumer",  // consumer
		false,              // auto-ack: acks are manual, after commit
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()
	return deliveries, nil
}

// Start consumes until the context is cancelled or Stop is called. Each
// broken connection is retried with exponential backoff.
func (c *Consumer) Start(ctx context.Context, handler Handler) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	for {
		var deliveries <-chan amqp.Delivery
		err := backoff.Retry(func() error {
			select {
			case <-c.done:
				return backoff.Permanent(context.Canceled)
			default:
			}
			connErr := c.dial(ctx, &deliveries)
			if connErr != nil {
				c.logger.WithError(connErr).Warn("signal bus connect failed, retrying")
			}
			return connErr
		}, policy)
		if err != nil {
			if ctx.Err() != nil || c.isStopped() {
				return nil
			}
			return common.NewDependencyError("bus.Start", "signal bus unreachable", err)
		}
		policy.Reset()

		if err := c.consume(ctx, deliveries, handler); err != nil {
			return err
		}
		if ctx.Err() != nil || c.isStopped() {
			return nil
		}
		c.logger.Warn("signal bus connection lost, reconnecting")
	}
}

// dial establishes the consuming channel, through the bus breaker when
// one is configured. An open breaker fails fast without touching the
// broker, so a flapping bus is quarantined for its recovery timeout.
func (c *Consumer) dial(ctx context.Context, deliveries *<-chan amqp.Delivery) error {
	if c.breaker == nil {
		d, err := c.connect()
		*deliveries = d
		return err
	}
	return c.breaker.Do(ctx, func(context.Context) error {
		d, err := c.connect()
		*deliveries = d
		return err
	})
}

// consume drains one delivery channel until it closes or the consumer
// stops. Handling fans out to at most Workers goroutines; all in-flight
// handlers finish before consume returns so unacked deliveries are not
// abandoned mid-handler.
func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) error {
	sem := make(chan struct{}, c.config.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				c.handleDelivery(ctx, d, handler)
			}(d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	sig := &model.Signal{}
	if err := json.Unmarshal(d.Body, sig); err != nil {
		c.deadLetter(ctx, d.Body, fmt.Sprintf("malformed signal: %v", err))
		d.Ack(false)
		return
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now().UTC()
	}
	if err := sig.Validate(); err != nil {
		c.deadLetter(ctx, d.Body, err.Error())
		d.Ack(false)
		return
	}

	if err := handler(ctx, sig); err != nil {
		if common.IsKind(err, common.KindInput) {
			// Unprocessable, not transient: park it instead of looping.
			c.deadLetter(ctx, d.Body, err.Error())
			d.Ack(false)
			return
		}
		c.logger.WithError(err).WithField("signal_id", sig.ID).
			Warn("signal handling failed, leaving on queue")
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

// deadLetter parks an unprocessable delivery on the Redis replay list so
// an operator can inspect and resubmit it.
func (c *Consumer) deadLetter(ctx context.Context, body []byte, reason string) {
	c.logger.WithField("reason", reason).Warn("dead-lettering signal")
	if c.redis == nil {
		return
	}
	entry, err := json.Marshal(map[string]interface{}{
		"reason":    reason,
		"body":      string(body),
		"parked_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := c.redis.RPush(ctx, deadLetterKey, entry).Err(); err != nil {
		c.logger.WithError(err).Warn("failed to park signal on replay list")
	}
}

// DeadLetters returns up to limit parked deliveries without removing them.
func (c *Consumer) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	if c.redis == nil {
		return nil, nil
	}
	entries, err := c.redis.LRange(ctx, deadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, common.NewDependencyError("bus.DeadLetters", "redis read failed", err)
	}
	return entries, nil
}

func (c *Consumer) isStopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Stop shuts the consumer down and closes the connection.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	close(c.done)
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
