package rabbitmq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// Message is a received delivery stripped of broker plumbing.
type Message struct {
	Body        []byte
	RoutingKey  string
	ContentType string
	Timestamp   time.Time
}

type CallbackFunc func(msg *Message) error

// PermanentError marks a message that will never be processed successfully.
// It is dropped instead of requeued.
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

// acknowledger is the part of amqp.Delivery a worker settles.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Subscriber consumes a durable queue bound to a direct exchange and hands
// each delivery to the callback registered for its routing key.
type Subscriber struct {
	amqpURL  string
	exchange string
	queue    string
	workers  int

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewSubscriber(amqpURL, exchangeName, queueName string, workers int) (*Subscriber, error) {
	if workers <= 0 {
		workers = 4
	}
	s := &Subscriber{
		amqpURL:  amqpURL,
		exchange: exchangeName,
		queue:    queueName,
		workers:  workers,
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Subscriber) connectLocked() error {
	conn, err := amqp.Dial(s.amqpURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declareExchange(ch, s.exchange); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	q, err := ch.QueueDeclare(
		s.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	s.queue = q.Name
	s.conn = conn
	s.channel = ch
	return nil
}

func (s *Subscriber) closeLocked() {
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Subscriber) consumeLocked(callbacks map[string]CallbackFunc) (<-chan amqp.Delivery, <-chan *amqp.Error, error) {
	if s.conn == nil || s.conn.IsClosed() || s.channel == nil {
		s.closeLocked()
		if err := s.connectLocked(); err != nil {
			return nil, nil, err
		}
	}
	if err := s.channel.Qos(s.workers, 0, false); err != nil {
		s.closeLocked()
		return nil, nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	for routingKey := range callbacks {
		if err := s.channel.QueueBind(s.queue, routingKey, s.exchange, false, nil); err != nil {
			s.closeLocked()
			return nil, nil, fmt.Errorf("failed to bind queue %s to %s with key %s: %w", s.queue, s.exchange, routingKey, err)
		}
	}
	msgs, err := s.channel.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		s.closeLocked()
		return nil, nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	closed := s.conn.NotifyClose(make(chan *amqp.Error, 1))
	return msgs, closed, nil
}

// Start begins consuming. Deliveries are acked after the callback succeeds,
// dropped on a PermanentError or panic, and requeued on any other error. A
// lost connection is re-established with backoff.
func (s *Subscriber) Start(callbacks map[string]CallbackFunc) error {
	var startErr error
	s.startOnce.Do(func() {
		s.mu.Lock()
		msgs, closed, err := s.consumeLocked(callbacks)
		s.mu.Unlock()
		if err != nil {
			startErr = err
			return
		}

		jobs := make(chan amqp.Delivery, s.workers)
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				for d := range jobs {
					s.handle(callbacks, d)
				}
			}()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer close(jobs)
			s.pump(callbacks, jobs, msgs, closed)
		}()
	})
	return startErr
}

func (s *Subscriber) pump(callbacks map[string]CallbackFunc, jobs chan<- amqp.Delivery, msgs <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	backoff := time.Second
	for {
		if msgs == nil {
			s.mu.Lock()
			var err error
			msgs, closed, err = s.consumeLocked(callbacks)
			s.mu.Unlock()
			if err != nil {
				log.WithField("queue", s.queue).WithError(err).Warn("rabbitmq consume restart failed")
				if !s.wait(backoff) {
					return
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
		}

	deliveries:
		for {
			select {
			case <-s.done:
				return
			case cerr := <-closed:
				logger := log.WithField("queue", s.queue)
				if cerr != nil {
					logger = logger.WithField("reason", cerr.Reason)
				}
				logger.Warn("rabbitmq connection closed")
				break deliveries
			case d, ok := <-msgs:
				if !ok {
					break deliveries
				}
				select {
				case jobs <- d:
				case <-s.done:
					return
				}
			}
		}

		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
		msgs = nil
		if !s.wait(backoff) {
			return
		}
	}
}

func (s *Subscriber) wait(d time.Duration) bool {
	select {
	case <-s.done:
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Subscriber) handle(callbacks map[string]CallbackFunc, d amqp.Delivery) {
	msg := &Message{
		Body:        d.Body,
		RoutingKey:  d.RoutingKey,
		ContentType: d.ContentType,
		Timestamp:   d.Timestamp,
	}
	process(callbacks[d.RoutingKey], msg, d)
}

// process runs one callback and settles the delivery. It returns the action taken.
func process(callback CallbackFunc, msg *Message, ack acknowledger) string {
	logger := log.WithField("routing_key", msg.RoutingKey)
	if callback == nil {
		_ = ack.Nack(false, false)
		logger.Warn("no callback for routing key, message dropped")
		return "drop"
	}

	var (
		err      error
		panicVal any
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicVal = r
			}
		}()
		err = callback(msg)
	}()

	switch {
	case panicVal != nil:
		_ = ack.Nack(false, false)
		logger.WithField("panic", panicVal).Error("message handler panicked, message dropped")
		return "drop"
	case err == nil:
		_ = ack.Ack(false)
		return "ack"
	case isPermanent(err):
		_ = ack.Nack(false, false)
		logger.WithError(err).Warn("message rejected")
		return "drop"
	default:
		_ = ack.Nack(false, true)
		logger.WithError(err).Warn("message processing failed, requeued")
		return "requeue"
	}
}

func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}
