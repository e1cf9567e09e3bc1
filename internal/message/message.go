// ABOUTME: Wire shapes for inbound and outbound conversation messages
// ABOUTME: Shared by the transport, the routing engine, the chatbot bridge and the HTTP API

package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload indicates an inbound payload that cannot be decoded or
// is missing required fields. Such payloads are logged and dropped.
var ErrMalformedPayload = errors.New("malformed payload")

// CallType is the direction of a message relative to the visitor.
type CallType string

const (
	CallIn  CallType = "IN"  // visitor -> service
	CallOut CallType = "OUT" // service (agent or chatbot) -> visitor
)

// Message types carried in MsgType.
const (
	TypeText   = "text"
	TypeStatus = "status"
)

// Inbound is one message entering the system, either from a visitor or from
// an agent replying inside a conversation.
type Inbound struct {
	MessageID      string    `json:"message_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	VisitorID      string    `json:"visitor_id"`
	OrgID          string    `json:"org_id"`
	AgentID        string    `json:"agent_id,omitempty"` // set for agent-sent messages
	SkillGroup     string    `json:"skill_group,omitempty"`
	Text           string    `json:"text"`
	Channel        string    `json:"channel"`
	MsgType        string    `json:"msg_type,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Validate checks the fields routing depends on.
func (m *Inbound) Validate() error {
	switch {
	case m.ConversationID == "":
		return fmt.Errorf("%w: conversation_id is required", ErrMalformedPayload)
	case m.VisitorID == "":
		return fmt.Errorf("%w: visitor_id is required", ErrMalformedPayload)
	}
	return nil
}

// DedupeKey identifies the message for redelivery suppression. Messages
// without an id are never treated as duplicates.
func (m *Inbound) DedupeKey() string {
	if m.MessageID == "" {
		return ""
	}
	return m.OrgID + ":" + m.ConversationID + ":" + m.MessageID
}

// Decode parses and validates an inbound payload.
func Decode(payload []byte) (*Inbound, error) {
	var m Inbound
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.MsgType == "" {
		m.MsgType = TypeText
	}
	return &m, nil
}

// DecodeAgent parses an agent-sent payload. The visitor side is resolved
// from the conversation, so only the conversation and agent ids are required.
func DecodeAgent(payload []byte) (*Inbound, error) {
	var m Inbound
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	switch {
	case m.ConversationID == "":
		return nil, fmt.Errorf("%w: conversation_id is required", ErrMalformedPayload)
	case m.AgentID == "":
		return nil, fmt.Errorf("%w: agent_id is required", ErrMalformedPayload)
	}
	if m.MsgType == "" {
		m.MsgType = TypeText
	}
	return &m, nil
}

// Outbound mirrors the inbound shape plus the assigned agent name, the call
// direction and optional expanded-message parameters.
type Outbound struct {
	Inbound
	ToUser    string          `json:"to_user,omitempty"`
	AgentName string          `json:"agent_name,omitempty"`
	CallType  CallType        `json:"call_type"`
	Expanded  json.RawMessage `json:"expanded,omitempty"`
}

// Reply builds an outbound message answering in, addressed to its visitor.
func Reply(in *Inbound, text, agentName string, now time.Time) *Outbound {
	out := &Outbound{
		Inbound:   *in,
		ToUser:    in.VisitorID,
		AgentName: agentName,
		CallType:  CallOut,
	}
	out.MessageID = ""
	out.Text = text
	out.Timestamp = now
	return out
}

// Forward wraps a visitor message for delivery to the agent serving it.
func Forward(in *Inbound, agentID, agentName string) *Outbound {
	return &Outbound{
		Inbound:   *in,
		ToUser:    agentID,
		AgentName: agentName,
		CallType:  CallIn,
	}
}

// Notice builds a status notice about the conversation described by about,
// addressed to toUser.
func Notice(about Inbound, toUser, agentName, text string, now time.Time) *Outbound {
	about.MessageID = ""
	about.MsgType = TypeStatus
	about.Text = text
	about.Timestamp = now
	return &Outbound{
		Inbound:   about,
		ToUser:    toUser,
		AgentName: agentName,
		CallType:  CallOut,
	}
}
