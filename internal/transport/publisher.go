// ABOUTME: Delivery endpoint publishing conversation events to the outbound exchange
// ABOUTME: Routing keys address the receiver: visitor.<channel>.<id> or agent.<id>

package transport

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/coven-desk/internal/delivery"
)

type publishFunc func(ctx context.Context, exchange, key string, msg amqp.Publishing) error

// Publisher is a delivery.Endpoint backed by the broker.
type Publisher struct {
	exchange string
	appID    string
	publish  publishFunc
}

var _ delivery.Endpoint = (*Publisher)(nil)

// NewPublisher creates a Publisher on the client's outbound exchange.
func NewPublisher(client *Client, appID string) *Publisher {
	return &Publisher{
		exchange: client.Config().OutboundExchange,
		appID:    appID,
		publish:  client.publish,
	}
}

// Deliver publishes the event as persistent JSON.
func (p *Publisher) Deliver(ctx context.Context, ev *delivery.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	err = p.publish(ctx, p.exchange, RoutingKey(ev.Target), amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     ev.ID,
		CorrelationId: ev.ConversationID,
		Type:          string(ev.Kind),
		Timestamp:     ev.CreatedAt,
		AppId:         p.appID,
	})
	if err != nil {
		return fmt.Errorf("publishing %s to %s: %w", ev.Kind, ev.Target.Address(), err)
	}
	return nil
}

// RoutingKey is the outbound routing key for a target.
func RoutingKey(t delivery.Target) string {
	if t.Kind == delivery.TargetAgent {
		return "agent." + t.ID
	}
	channel := t.Channel
	if channel == "" {
		channel = "default"
	}
	return "visitor." + channel + "." + t.ID
}
