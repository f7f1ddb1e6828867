package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/thebranchdriftcatalyst/robot-console/internal/metrics"
	"github.com/thebranchdriftcatalyst/robot-console/internal/session"
	"k8s.io/apimachinery/pkg/util/wait"
)

var (
	// ErrNotConnected is returned by Publish while there is no AMQP channel
	ErrNotConnected = errors.New("not connected to RabbitMQ")

	// ErrClosed is returned by Connect after Close
	ErrClosed = errors.New("publisher closed")
)

// Config holds RabbitMQ connection settings
type Config struct {
	URL      string
	Exchange string

	// Backoff for the initial connect and every reconnect
	Backoff wait.Backoff
}

// DefaultBackoff retries for about a minute before giving up on one round
func DefaultBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: time.Second,
		Factor:   2,
		Jitter:   0.1,
		Steps:    6,
		Cap:      30 * time.Second,
	}
}

// Sink receives telemetry events
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Publisher publishes events to a topic exchange
type Publisher struct {
	config  Config
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  zerolog.Logger

	mu        sync.RWMutex
	connected bool
	closed    bool
	wg        sync.WaitGroup
}

// NewPublisher creates a publisher. Nothing is dialled until Connect.
func NewPublisher(cfg Config, logger zerolog.Logger) *Publisher {
	if cfg.Backoff.Steps == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &Publisher{
		config: cfg,
		logger: logger.With().Str("component", "telemetry").Logger(),
	}
}

// Connect dials RabbitMQ with backoff and declares the exchange. A dropped
// connection is re-established in the background until ctx is done.
func (p *Publisher) Connect(ctx context.Context) error {
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, p.config.Backoff, func(ctx context.Context) (bool, error) {
		attempt++
		if err := p.connect(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return false, err
			}
			p.logger.Warn().Err(err).Int("attempt", attempt).Msg("RabbitMQ connection attempt failed")
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ after %d attempts: %w", attempt, err)
	}
	p.logger.Info().Int("attempt", attempt).Str("exchange", p.config.Exchange).Msg("Connected to RabbitMQ")
	return nil
}

func (p *Publisher) connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	conn, err := amqp.Dial(p.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(p.config.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", p.config.Exchange, err)
	}

	p.conn = conn
	p.channel = ch
	p.connected = true

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	p.wg.Add(1)
	go p.handleReconnect(ctx, notify)

	return nil
}

func (p *Publisher) handleReconnect(ctx context.Context, notify chan *amqp.Error) {
	defer p.wg.Done()

	var closeErr *amqp.Error
	select {
	case closeErr = <-notify:
	case <-ctx.Done():
		return
	}
	if closeErr == nil {
		// Closed by us
		return
	}

	p.logger.Warn().Err(closeErr).Msg("RabbitMQ connection closed, reconnecting")
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	for ctx.Err() == nil {
		err := p.Connect(ctx)
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}
	}
}

// Publish sends ev as a persistent JSON message
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	p.mu.RLock()
	if !p.connected {
		p.mu.RUnlock()
		return ErrNotConnected
	}
	ch := p.channel
	p.mu.RUnlock()

	body, err := json.Marshal(ev.Body)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = ch.PublishWithContext(ctx, p.config.Exchange, ev.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         ev.Kind,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// IsConnected returns the current connection status
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Close closes the channel and connection
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.connected = false
	p.mu.Unlock()

	p.wg.Wait()
}

// Run publishes the transitions of sess to sink until ctx is cancelled or
// the session closes. Publish failures are logged and counted, never retried.
func Run(ctx context.Context, sess *session.Session, sink Sink, logger zerolog.Logger) {
	logger = logger.With().Str("component", "telemetry").Logger()
	changes, cancel := sess.Subscribe()
	defer cancel()

	tracker := NewTracker()
	emit := func() {
		for _, ev := range tracker.Observe(sess.Snapshot()) {
			if err := sink.Publish(ctx, ev); err != nil {
				metrics.TelemetryPublishedTotal.WithLabelValues(ev.Kind, "error").Inc()
				logger.Debug().Err(err).Str("kind", ev.Kind).Msg("Telemetry publish failed")
				continue
			}
			metrics.TelemetryPublishedTotal.WithLabelValues(ev.Kind, "success").Inc()
		}
	}

	emit()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			emit()
		}
	}
}
