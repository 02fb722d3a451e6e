// Package rabbitmq forwards delivered events to a RabbitMQ exchange with
// publisher confirms, so broker rejections surface as handler errors and the
// outbox retry budget applies to them.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	eventbus "github.com/Croodo/lib-eventbus"
	"github.com/Croodo/lib-eventbus/internal/nilcheck"
	libLog "github.com/Croodo/lib-eventbus/log"
)

var (
	// ErrChannelRequired is returned when a Forwarder is constructed without
	// an AMQP channel.
	ErrChannelRequired = errors.New("rabbitmq: channel is required")

	// ErrExchangeRequired is returned when a Forwarder is constructed without
	// a target exchange name.
	ErrExchangeRequired = errors.New("rabbitmq: exchange is required")

	// ErrPublishNacked is returned when the broker negatively acknowledges a
	// published event.
	ErrPublishNacked = errors.New("rabbitmq: publish nacked by broker")

	// ErrConfirmTimeout is returned when the broker does not confirm a
	// publish within the configured window.
	ErrConfirmTimeout = errors.New("rabbitmq: publish confirmation timed out")

	// ErrChannelClosed is returned when the underlying channel closes while a
	// confirmation is outstanding.
	ErrChannelClosed = errors.New("rabbitmq: channel closed")

	// ErrForwarderClosed is returned by Handle after Close has been called.
	ErrForwarderClosed = errors.New("rabbitmq: forwarder is closed")
)

const (
	// DefaultConfirmTimeout bounds how long Handle waits for a broker
	// confirmation before giving up.
	DefaultConfirmTimeout = 5 * time.Second

	confirmChannelBuffer = 256
)

// Channel is the subset of amqp091.Channel the forwarder publishes through.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithLogger sets the logger used for forwarder diagnostics.
func WithLogger(logger libLog.Logger) Option {
	return func(f *Forwarder) {
		if !nilcheck.Interface(logger) {
			f.logger = logger
		}
	}
}

// WithConfirmTimeout overrides the broker confirmation window.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(f *Forwarder) {
		if timeout > 0 {
			f.confirmTimeout = timeout
		}
	}
}

// Forwarder publishes event envelopes to an exchange using the event type as
// the routing key. Every publish waits for a broker confirmation; a nack or a
// timeout is returned to the caller so the delivering worker retries the
// entry.
//
// Publishes are serialized so confirmations can be matched to publishes in
// order, which is the contract amqp091 gives for a single channel.
type Forwarder struct {
	channel        Channel
	exchange       string
	logger         libLog.Logger
	confirmTimeout time.Duration

	publishMu sync.Mutex
	confirms  chan amqp.Confirmation
	closedCh  chan *amqp.Error

	closeOnce sync.Once
	closed    chan struct{}
}

// NewForwarder puts the channel into confirm mode and wires the confirmation
// listener. The channel must not be shared with other publishers.
func NewForwarder(channel Channel, exchange string, opts ...Option) (*Forwarder, error) {
	if nilcheck.Interface(channel) {
		return nil, ErrChannelRequired
	}

	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	forwarder := &Forwarder{
		channel:        channel,
		exchange:       exchange,
		logger:         libLog.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
		closed:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(forwarder)
	}

	if err := channel.Confirm(false); err != nil {
		return nil, fmt.Errorf("rabbitmq: enabling confirm mode: %w", err)
	}

	forwarder.confirms = channel.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	forwarder.closedCh = channel.NotifyClose(make(chan *amqp.Error, 1))

	return forwarder, nil
}

// Handler returns the forwarder as a bus handler so it can be subscribed
// with On or OnAll.
func (f *Forwarder) Handler() eventbus.Handler {
	return f.Handle
}

// Handle marshals the event envelope and publishes it with the event type as
// the routing key, then blocks until the broker confirms the delivery.
func (f *Forwarder) Handle(ctx context.Context, event eventbus.Event) error {
	select {
	case <-f.closed:
		return ErrForwarderClosed
	default:
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshaling envelope for %q: %w", event.Type, err)
	}

	f.publishMu.Lock()
	defer f.publishMu.Unlock()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.Meta.EventID.String(),
		CorrelationId: event.Meta.CorrelationID,
		Timestamp:     event.Meta.Timestamp,
		Type:          event.Type,
		Body:          body,
	}

	if err := f.channel.PublishWithContext(ctx, f.exchange, event.Type, false, false, publishing); err != nil {
		return fmt.Errorf("rabbitmq: publishing %q: %w", event.Type, err)
	}

	if err := f.waitForConfirm(ctx); err != nil {
		return err
	}

	f.logger.Log(ctx, libLog.LevelDebug, "event forwarded to exchange",
		libLog.String("exchange", f.exchange),
		libLog.String("event_type", event.Type),
		libLog.String("event_id", event.Meta.EventID.String()),
	)

	return nil
}

func (f *Forwarder) waitForConfirm(ctx context.Context) error {
	timer := time.NewTimer(f.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-f.confirms:
		if !ok {
			return ErrChannelClosed
		}

		if !confirm.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirm.DeliveryTag)
		}

		return nil
	case amqpErr, ok := <-f.closedCh:
		if !ok || amqpErr == nil {
			return ErrChannelClosed
		}

		return fmt.Errorf("%w: %s", ErrChannelClosed, amqpErr.Reason)
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrConfirmTimeout, f.confirmTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the forwarder and closes the underlying channel. Outstanding
// confirmations are drained so the amqp library can shut down cleanly.
func (f *Forwarder) Close() error {
	var err error

	f.closeOnce.Do(func() {
		close(f.closed)

		err = f.channel.Close()

		for range f.confirms {
		}
	})

	return err
}
