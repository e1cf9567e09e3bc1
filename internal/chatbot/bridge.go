// ABOUTME: Chatbot bridge: forwards visitor text to the chatbot and folds replies back into routing state
// ABOUTME: Replies for one conversation are processed in request order; no state lock is held during the call

package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/delivery"
	"github.com/2389/coven-desk/internal/message"
	"github.com/2389/coven-desk/internal/serial"
)

// CounterStore is what the bridge needs from the conversation store.
type CounterStore interface {
	IncrementCountersIf(ctx context.Context, id string, turnDelta, errorDelta int64,
		check func(c *conversation.Conversation) error, committed func(c *conversation.Conversation)) (*conversation.Conversation, error)
}

// errLeftChatbot vetoes a counter update for a conversation an agent took over.
var errLeftChatbot = errors.New("conversation no longer with chatbot")

// Publisher is what the bridge needs from the delivery fan-out.
type Publisher interface {
	Publish(conversationID string, kind delivery.Kind, payload *message.Outbound, targets ...delivery.Target) error
}

// Config holds bridge settings.
type Config struct {
	BotName string        // shown as the agent name on replies
	Timeout time.Duration // bound on each chatbot call, default 10s
}

// Bridge adapts the chatbot service to the routing engine.
type Bridge struct {
	service   Service
	store     CounterStore
	publisher Publisher
	queue     *serial.Queue
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewBridge creates a Bridge. Pass nil logger for default.
func NewBridge(service Service, store CounterStore, publisher Publisher, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Bridge{
		service:   service,
		store:     store,
		publisher: publisher,
		queue:     serial.New(),
		cfg:       cfg,
		logger:    logger.With("component", "chatbot_bridge"),
		now:       time.Now,
	}
}

// Submit processes the message asynchronously. Messages for the same
// conversation are handled one after another in submission order, so
// counter updates and replies never overtake each other. Returns false
// once the bridge is closed.
func (b *Bridge) Submit(in *message.Inbound) bool {
	return b.queue.Submit(in.ConversationID, func() {
		// Errors are logged inside; fire-and-forget for the caller.
		_, _ = b.HandleInboundForChatbot(context.Background(), in)
	})
}

// HandleInboundForChatbot sends the visitor message to the chatbot and, on a
// successful reply, increments the conversation's counters and publishes the
// reply to the visitor. It returns the reply, or nil when none is produced.
// Failed and malformed replies are logged and produce no event.
func (b *Bridge) HandleInboundForChatbot(ctx context.Context, in *message.Inbound) (*message.Outbound, error) {
	b.logger.Info("chat request",
		"conversation_id", in.ConversationID,
		"visitor_id", in.VisitorID,
		"bot", b.cfg.BotName)

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	result, err := b.service.Converse(callCtx, Request{
		OrgID:     in.OrgID,
		VisitorID: in.VisitorID,
		Text:      in.Text,
	})
	cancel()
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrChatbotUnavailable) {
			err = fmt.Errorf("%w: %v", ErrChatbotUnavailable, err)
		}
		b.logger.Error("chatbot call failed",
			"conversation_id", in.ConversationID,
			"error", err)
		return nil, err
	}
	if result == nil || result.Code != CodeSuccess || result.Data == nil {
		err := fmt.Errorf("%w: %+v", ErrUnexpectedResponse, result)
		b.logger.Warn("can not get expected response",
			"conversation_id", in.ConversationID,
			"error", err)
		return nil, err
	}

	reply := message.Reply(in, result.Data.Text, b.cfg.BotName, b.now())
	if len(result.Data.Params) > 0 && string(result.Data.Params) != "null" {
		reply.Expanded = result.Data.Params
	}
	var errorDelta int64
	if result.Data.Unexpected {
		errorDelta = 1
	}

	// The reply is published while the counter update still holds the
	// conversation, so it cannot land after an END or a hand-over.
	var published bool
	var pubErr error
	updated, err := b.store.IncrementCountersIf(ctx, in.ConversationID, 1, errorDelta,
		func(c *conversation.Conversation) error {
			if !c.WithChatbot() {
				return fmt.Errorf("%w: status %s, agent %q", errLeftChatbot, c.Status, c.AgentID)
			}
			return nil
		},
		func(*conversation.Conversation) {
			published = true
			pubErr = b.publish(in, reply)
		})
	switch {
	case err == nil:
		b.logger.Debug("chatbot counters updated",
			"conversation_id", in.ConversationID,
			"turns", updated.ChatbotTurns,
			"logic_errors", updated.ChatbotErrors)
	case errors.Is(err, errLeftChatbot), errors.Is(err, conversation.ErrConversationEnded):
		b.logger.Info("conversation left the chatbot, dropping reply",
			"conversation_id", in.ConversationID,
			"reason", err)
		return nil, nil
	case errors.Is(err, conversation.ErrNotFound):
		b.logger.Warn("reply for unknown conversation, counters not updated",
			"conversation_id", in.ConversationID)
	default:
		b.logger.Error("failed to update chatbot counters",
			"conversation_id", in.ConversationID,
			"error", err)
	}

	if !published {
		pubErr = b.publish(in, reply)
	}
	return reply, pubErr
}

func (b *Bridge) publish(in *message.Inbound, reply *message.Outbound) error {
	err := b.publisher.Publish(in.ConversationID, delivery.KindMessage, reply, delivery.Visitor(in.Channel, in.VisitorID))
	if err != nil {
		b.logger.Error("failed to publish chatbot reply",
			"conversation_id", in.ConversationID,
			"error", err)
	}
	return err
}

// Flush waits for every submitted message to be handled.
func (b *Bridge) Flush(ctx context.Context) error {
	return b.queue.Flush(ctx)
}

// Close stops accepting messages and drains pending ones, bounded by ctx.
func (b *Bridge) Close(ctx context.Context) error {
	return b.queue.Close(ctx)
}
