package notify

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"

	"emergency-orchestrator/internal/emergency"
	"emergency-orchestrator/internal/metrics"
)

// Channel delivers one event to one audience.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, ev emergency.Event) error
}

type Config struct {
	QueueSize       int
	Workers         int
	DeliveryTimeout time.Duration
	MaxAttempts     int
	RetryDelay      time.Duration
}

// Notifier fans events out to its channels on a fixed pool of workers.
// Notify never blocks; when the queue is full the event is dropped.
type Notifier struct {
	channels []Channel
	cfg      Config
	queue    chan emergency.Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(channels []Channel, cfg Config) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DeliveryTimeout == 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}

	n := &Notifier{
		channels: channels,
		cfg:      cfg,
		queue:    make(chan emergency.Event, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.work()
	}
	return n
}

// Notify implements emergency.Notifier.
func (n *Notifier) Notify(ev emergency.Event) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.queue <- ev:
		return true
	default:
		metrics.NotificationsDroppedTotal.Inc()
		return false
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) work() {
	defer n.wg.Done()
	for ev := range n.queue {
		for _, ch := range n.channels {
			n.deliver(ch, ev)
		}
	}
}

func (n *Notifier) deliver(ch Channel, ev emergency.Event) {
	logger := log.WithFields(log.Fields{
		"channel": ch.Name(),
		"event":   ev.Type,
		"case_id": ev.Case.ID,
	})
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.DeliveryTimeout)
		err := ch.Deliver(ctx, ev)
		cancel()
		if err == nil {
			metrics.NotificationsTotal.WithLabelValues(ch.Name(), "ok").Inc()
			return
		}
		if attempt == n.cfg.MaxAttempts {
			metrics.NotificationsTotal.WithLabelValues(ch.Name(), "error").Inc()
			logger.WithError(err).Error("notification delivery failed")
			return
		}
		logger.WithError(err).Warn("notification delivery failed, retrying")
		time.Sleep(n.cfg.RetryDelay)
	}
}
