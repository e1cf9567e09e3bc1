// ABOUTME: Delivery targets and events: the tagged Visitor/Agent receiver variant and the event envelope
// ABOUTME: Endpoints consume Events uniformly regardless of receiver kind

package delivery

import (
	"errors"
	"time"

	"github.com/2389/coven-desk/internal/message"
)

// ErrUnreachable indicates the target has no live endpoint able to accept the event.
var ErrUnreachable = errors.New("target unreachable")

// ErrClosed indicates the fan-out no longer accepts events.
var ErrClosed = errors.New("fanout closed")

// TargetKind distinguishes receivers.
type TargetKind string

const (
	TargetVisitor TargetKind = "VISITOR"
	TargetAgent   TargetKind = "AGENT"
)

// Target is a receiver of an event: either a visitor on a channel or an agent.
type Target struct {
	Kind    TargetKind `json:"kind"`
	ID      string     `json:"id"`
	Channel string     `json:"channel,omitempty"` // visitors only
}

// Visitor addresses a visitor on the given channel.
func Visitor(channel, id string) Target {
	return Target{Kind: TargetVisitor, ID: id, Channel: channel}
}

// Agent addresses an agent.
func Agent(id string) Target {
	return Target{Kind: TargetAgent, ID: id}
}

// Address is the subscription key endpoints register under.
func (t Target) Address() string {
	if t.Kind == TargetAgent {
		return "agent/" + t.ID
	}
	return "visitor/" + t.ID
}

// Kind is the type of a conversation event.
type Kind string

const (
	KindMessage  Kind = "MESSAGE"  // conversational text
	KindStatus   Kind = "STATUS"   // status notice to the visitor
	KindNew      Kind = "NEW"      // new conversation for an agent
	KindTransfer Kind = "TRANSFER" // conversation moved to another agent
	KindEnd      Kind = "END"      // conversation closed
)

// Event is one delivery of a conversation event to one target.
type Event struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Kind           Kind              `json:"kind"`
	Target         Target            `json:"target"`
	Payload        *message.Outbound `json:"payload,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}
