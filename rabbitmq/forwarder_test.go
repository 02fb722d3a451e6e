//go:build unit

package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventbus "github.com/Croodo/lib-eventbus"
)

type publishedMessage struct {
	exchange   string
	routingKey string
	publishing amqp.Publishing
}

type fakeChannel struct {
	confirmErr error
	publishErr error

	confirms chan amqp.Confirmation
	closes   chan *amqp.Error

	published []publishedMessage
	closed    bool

	// onPublish lets a test script the broker verdict for each publish.
	onPublish func(tag uint64)
	nextTag   uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{}
}

func (ch *fakeChannel) Confirm(_ bool) error {
	return ch.confirmErr
}

func (ch *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.confirms = confirm

	return confirm
}

func (ch *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.closes = c

	return c
}

func (ch *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if ch.publishErr != nil {
		return ch.publishErr
	}

	ch.published = append(ch.published, publishedMessage{
		exchange:   exchange,
		routingKey: key,
		publishing: msg,
	})

	ch.nextTag++
	if ch.onPublish != nil {
		ch.onPublish(ch.nextTag)
	}

	return nil
}

func (ch *fakeChannel) Close() error {
	ch.closed = true
	close(ch.confirms)

	return nil
}

func (ch *fakeChannel) ack(tag uint64) {
	ch.confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: true}
}

func (ch *fakeChannel) nack(tag uint64) {
	ch.confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: false}
}

func testEvent() eventbus.Event {
	return eventbus.Event{
		Type:    "order.created",
		Payload: json.RawMessage(`{"orderId":"o-1"}`),
		Meta: eventbus.EventMeta{
			EventID:       uuid.New(),
			Timestamp:     time.Now().UTC(),
			SchemaVersion: 1,
			CorrelationID: "corr-1",
		},
	}
}

func TestNewForwarder_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewForwarder(nil, "events")
	require.ErrorIs(t, err, ErrChannelRequired)

	_, err = NewForwarder(newFakeChannel(), "")
	require.ErrorIs(t, err, ErrExchangeRequired)

	broken := newFakeChannel()
	broken.confirmErr = errors.New("confirm unsupported")
	_, err = NewForwarder(broken, "events")
	require.ErrorContains(t, err, "enabling confirm mode")
}

func TestHandle_PublishesEnvelopeAndWaitsForAck(t *testing.T) {
	t.Parallel()

	channel := newFakeChannel()
	channel.onPublish = channel.ack

	forwarder, err := NewForwarder(channel, "domain-events")
	require.NoError(t, err)

	event := testEvent()
	require.NoError(t, forwarder.Handle(context.Background(), event))

	require.Len(t, channel.published, 1)
	message := channel.published[0]

	assert.Equal(t, "domain-events", message.exchange)
	assert.Equal(t, "order.created", message.routingKey)
	assert.Equal(t, "application/json", message.publishing.ContentType)
	assert.Equal(t, amqp.Persistent, message.publishing.DeliveryMode)
	assert.Equal(t, event.Meta.EventID.String(), message.publishing.MessageId)
	assert.Equal(t, "corr-1", message.publishing.CorrelationId)

	var envelope eventbus.Event
	require.NoError(t, json.Unmarshal(message.publishing.Body, &envelope))
	assert.Equal(t, event.Type, envelope.Type)
	assert.Equal(t, event.Meta.EventID, envelope.Meta.EventID)
	assert.JSONEq(t, string(event.Payload), string(envelope.Payload))
}

func TestHandle_NackSurfacesAsError(t *testing.T) {
	t.Parallel()

	channel := newFakeChannel()
	channel.onPublish = channel.nack

	forwarder, err := NewForwarder(channel, "domain-events")
	require.NoError(t, err)

	err = forwarder.Handle(context.Background(), testEvent())
	require.ErrorIs(t, err, ErrPublishNacked)
}

func TestHandle_ConfirmTimeout(t *testing.T) {
	t.Parallel()

	channel := newFakeChannel()

	forwarder, err := NewForwarder(channel, "domain-events", WithConfirmTimeout(20*time.Millisecond))
	require.NoError(t, err)

	err = forwarder.Handle(context.Background(), testEvent())
	require.ErrorIs(t, err, ErrConfirmTimeout)
}

func TestHandle_ChannelCloseWhileWaiting(t *testing.T) {
	t.Parallel()

	channel := newFakeChannel()
	channel.onPublish = func(uint64) {
		channel.closes <- &amqp.Error{Code: amqp.ChannelError, Reason: "channel gone"}
	}

	forwarder, err := NewForwarder(channel, "domain-events")
	require.NoError(t, err)

	err = forwarder.Handle(context.Background(), testEvent())
	require.ErrorIs(t, err, ErrChannelClosed)
	assert.Contains(t, err.Error(), "channel gone")
}

func TestHandle_ContextCancellation(t *testing.T) {
	t.Parallel()

	channel := newFakeChannel()

	forwarder, err := NewForwarder(channel, "domain-events")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = forwarder.Handle(ctx, testEvent())
	require.ErrorIs(t, err, context.Canceled)
}

func TestHandle_PublishFailure(t *testing.T) {
	t.Parallel()

	channel := newFakeChannel()
	channel.publishErr = errors.New("broker unavailable")

	forwarder, err := NewForwarder(channel, "domain-events")
	require.NoError(t, err)

	err = forwarder.Handle(context.Background(), testEvent())
	require.ErrorContains(t, err, "broker unavailable")
}

func TestClose_StopsTheForwarder(t *testing.T) {
	t.Parallel()

	channel := newFakeChannel()

	forwarder, err := NewForwarder(channel, "domain-events")
	require.NoError(t, err)

	require.NoError(t, forwarder.Close())
	require.NoError(t, forwarder.Close()) // idempotent
	assert.True(t, channel.closed)

	err = forwarder.Handle(context.Background(), testEvent())
	require.ErrorIs(t, err, ErrForwarderClosed)
}

func TestHandler_ReturnsSubscribableFunc(t *testing.T) {
	t.Parallel()

	channel := newFakeChannel()
	channel.onPublish = channel.ack

	forwarder, err := NewForwarder(channel, "domain-events")
	require.NoError(t, err)

	var handler eventbus.Handler = forwarder.Handler()
	require.NoError(t, handler(context.Background(), testEvent()))
	require.Len(t, channel.published, 1)
}
