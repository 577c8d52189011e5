package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"

	"report-sync/metrics"
)

// Message represents a received RabbitMQ message
type Message struct {
	Body        []byte
	RoutingKey  string
	Exchange    string
	ContentType string
	Timestamp   time.Time
	DeliveryTag uint64
}

// CallbackFunc represents a callback function for processing messages
type CallbackFunc func(msg *Message) error

// PermanentError marks a message processing failure as non-retriable.
// The subscriber will Nack with requeue=false (dead-letter if configured).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Permanent wraps err as a PermanentError (non-retriable).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// Subscriber consumes one durable queue bound to a direct exchange
type Subscriber struct {
	amqpURL  string
	exchange string
	queue    string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	wg sync.WaitGroup
}

// NewSubscriber creates a subscriber; the connection is made by Start
func NewSubscriber(amqpURL, exchangeName, queueName string) *Subscriber {
	return &Subscriber{
		amqpURL:  amqpURL,
		exchange: exchangeName,
		queue:    queueName,
	}
}

// Start consumes in the background until ctx is done, reconnecting on failure
func (s *Subscriber) Start(ctx context.Context, routingKeyCallbacks map[string]CallbackFunc) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		delay := minReconnectDelay
		for {
			err := s.consume(ctx, routingKeyCallbacks)
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warnf("rabbitmq: consume session ended, reconnecting in %s", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}
	}()
}

// Close waits for the consumer to stop and closes the connection
func (s *Subscriber) Close() error {
	s.mu.Lock()
	err := s.closeLocked()
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Subscriber) closeLocked() error {
	metrics.RabbitMQConnected.Set(0)
	var err error
	if s.channel != nil {
		if chErr := s.channel.Close(); chErr != nil && !errors.Is(chErr, amqp.ErrClosed) {
			err = chErr
		}
		s.channel = nil
	}
	if s.conn != nil {
		if connErr := s.conn.Close(); connErr != nil && !errors.Is(connErr, amqp.ErrClosed) && err == nil {
			err = connErr
		}
		s.conn = nil
	}
	return err
}

func (s *Subscriber) connectLocked(routingKeys []string) (<-chan amqp.Delivery, error) {
	s.closeLocked()

	conn, err := amqp.Dial(s.amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(s.exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(s.queue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(q.Name, key, s.exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to bind queue %s with routing key %s: %w", q.Name, key, err)
		}
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	s.conn = conn
	s.channel = ch
	metrics.RabbitMQConnected.Set(1)
	return msgs, nil
}

func (s *Subscriber) consume(ctx context.Context, routingKeyCallbacks map[string]CallbackFunc) error {
	keys := make([]string, 0, len(routingKeyCallbacks))
	for key := range routingKeyCallbacks {
		keys = append(keys, key)
	}

	s.mu.Lock()
	msgs, err := s.connectLocked(keys)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	log.Infof("rabbitmq: consuming queue %s on exchange %s (routing keys %v)", s.queue, s.exchange, keys)

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.closeLocked()
			s.mu.Unlock()
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			s.dispatch(delivery, routingKeyCallbacks)
		}
	}
}

func (s *Subscriber) dispatch(delivery amqp.Delivery, routingKeyCallbacks map[string]CallbackFunc) {
	callback, exists := routingKeyCallbacks[delivery.RoutingKey]
	if !exists {
		delivery.Nack(false, false)
		log.Warnf("rabbitmq: no callback for routing key %s, dropping delivery %d", delivery.RoutingKey, delivery.DeliveryTag)
		return
	}

	err := callback(&Message{
		Body:        delivery.Body,
		RoutingKey:  delivery.RoutingKey,
		Exchange:    delivery.Exchange,
		ContentType: delivery.ContentType,
		Timestamp:   delivery.Timestamp,
		DeliveryTag: delivery.DeliveryTag,
	})

	switch {
	case err == nil:
		if ackErr := delivery.Ack(false); ackErr != nil {
			log.WithError(ackErr).Error("rabbitmq: ack failed")
		}
	case isPermanent(err):
		log.WithError(err).Warnf("rabbitmq: permanent failure on delivery %d, not requeueing", delivery.DeliveryTag)
		delivery.Nack(false, false)
	default:
		log.WithError(err).Warnf("rabbitmq: failure on delivery %d, requeueing", delivery.DeliveryTag)
		delivery.Nack(false, !delivery.Redelivered)
	}
}
