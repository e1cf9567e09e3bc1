// ABOUTME: Inbound AMQP consumer feeding visitor and agent messages into routing
// ABOUTME: Malformed payloads are acked and dropped; messages for one conversation are handled in order

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/message"
	"github.com/2389/coven-desk/internal/routing"
	"github.com/2389/coven-desk/internal/serial"
)

// Handler receives decoded inbound messages.
type Handler interface {
	HandleInbound(ctx context.Context, in *message.Inbound) error
	HandleAgentMessage(ctx context.Context, in *message.Inbound) error
}

// agentKeyPrefix marks messages sent by agents; everything else is from visitors.
const agentKeyPrefix = "agent."

type disposition int

const (
	dispAck disposition = iota
	dispRequeue
)

// Consumer reads the inbound queue and hands messages to a Handler.
type Consumer struct {
	client  *Client
	handler Handler
	queue   *serial.Queue
	timeout time.Duration
	logger  *slog.Logger
}

// NewConsumer creates a Consumer. Pass nil logger for default.
func NewConsumer(client *Client, handler Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:  client,
		handler: handler,
		queue:   serial.New(),
		timeout: 30 * time.Second,
		logger:  logger.With("component", "amqp_consumer"),
	}
}

// Run consumes until ctx ends, reconnecting when the broker goes away.
// Messages already taken off the queue are finished before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.queue.Close(drainCtx); err != nil {
			c.logger.Warn("inbound messages still in flight at shutdown", "error", err)
		}
	}()

	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		c.logger.Error("consumer stopped, reconnecting", "error", err)
		if err := c.client.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := c.client.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	cfg := c.client.Config()
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %s: %w", cfg.Queue, err)
	}
	for _, key := range cfg.BindingKeys {
		if err := ch.QueueBind(cfg.Queue, key, cfg.InboundExchange, false, nil); err != nil {
			return fmt.Errorf("binding %s: %w", key, err)
		}
	}

	deliveries, err := ch.Consume(cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consume: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.Info("consumer started",
		"queue", cfg.Queue,
		"bindings", cfg.BindingKeys,
		"prefetch", cfg.Prefetch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			return fmt.Errorf("channel closed: %v", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery stream ended")
			}
			c.accept(ctx, d)
		}
	}
}

// accept decodes a delivery and queues it behind earlier messages of the
// same conversation. Acknowledgement happens once it has been handled.
func (c *Consumer) accept(ctx context.Context, d amqp.Delivery) {
	fromAgent := strings.HasPrefix(d.RoutingKey, agentKeyPrefix)
	decode := message.Decode
	if fromAgent {
		decode = message.DecodeAgent
	}
	in, err := decode(d.Body)
	if err != nil {
		c.logger.Warn("dropping malformed payload",
			"routing_key", d.RoutingKey,
			"message_id", d.MessageId,
			"error", err)
		_ = d.Ack(false)
		return
	}

	ok := c.queue.Submit(in.ConversationID, func() {
		switch c.route(ctx, in, fromAgent, d.Redelivered) {
		case dispRequeue:
			_ = d.Nack(false, true)
		default:
			_ = d.Ack(false)
		}
	})
	if !ok {
		_ = d.Nack(false, true)
	}
}

// route hands one message to the handler and decides its fate. Rejections
// that would fail again are acked; other failures get one redelivery.
func (c *Consumer) route(ctx context.Context, in *message.Inbound, fromAgent, redelivered bool) disposition {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var err error
	if fromAgent {
		err = c.handler.HandleAgentMessage(ctx, in)
	} else {
		err = c.handler.HandleInbound(ctx, in)
	}
	switch {
	case err == nil:
		return dispAck
	case permanent(err):
		c.logger.Warn("inbound message rejected",
			"conversation_id", in.ConversationID,
			"message_id", in.MessageID,
			"error", err)
		return dispAck
	case !redelivered:
		c.logger.Warn("inbound message failed, requeueing",
			"conversation_id", in.ConversationID,
			"message_id", in.MessageID,
			"error", err)
		return dispRequeue
	default:
		c.logger.Error("inbound message failed twice, dropping",
			"conversation_id", in.ConversationID,
			"message_id", in.MessageID,
			"error", err)
		return dispAck
	}
}

func permanent(err error) bool {
	for _, target := range []error{
		message.ErrMalformedPayload,
		conversation.ErrConversationEnded,
		conversation.ErrNotFound,
		conversation.ErrDuplicateActive,
		routing.ErrInvalidRequest,
		routing.ErrNotAssigned,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
