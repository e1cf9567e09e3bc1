// ABOUTME: Conversation and transfer record types with their lifecycle statuses
// ABOUTME: A conversation is one visitor-side interaction, addressable by a stable id

package conversation

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates no conversation exists with the given id.
	ErrNotFound = errors.New("conversation not found")

	// ErrNotInService indicates a transfer was requested for a conversation
	// that is not INSERVICE under the named source agent.
	ErrNotInService = errors.New("conversation not in service with source agent")

	// ErrNoPendingTransfer indicates there is no transfer record to complete or cancel.
	ErrNoPendingTransfer = errors.New("no pending transfer")

	// ErrTransferInFlight indicates the conversation is mid-transfer.
	ErrTransferInFlight = errors.New("transfer in flight")

	// ErrConversationEnded indicates the conversation has reached END.
	ErrConversationEnded = errors.New("conversation ended")

	// ErrDuplicateActive indicates the visitor already has a non-ended
	// conversation with that agent in the same organization.
	ErrDuplicateActive = errors.New("visitor already has an active conversation with agent")

	// ErrInvalidDelta indicates a counter update that would break
	// monotonicity or push the error count past the turn count.
	ErrInvalidDelta = errors.New("invalid counter delta")
)

// Status is a conversation's lifecycle status.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusInService    Status = "INSERVICE"
	StatusTransferring Status = "TRANSFERRING"
	StatusEnd          Status = "END"
)

// TransferRecord describes an in-flight move from one agent to another.
// It exists only while the conversation is TRANSFERRING.
type TransferRecord struct {
	ConversationID string    `json:"conversation_id"`
	SourceAgentID  string    `json:"source_agent_id"`
	TargetAgentID  string    `json:"target_agent_id"`
	Memo           string    `json:"memo,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
}

// Conversation is the routing state of one visitor interaction.
type Conversation struct {
	ID         string `json:"id"`
	OrgID      string `json:"org_id"`
	VisitorID  string `json:"visitor_id"`
	Channel    string `json:"channel"`
	SkillGroup string `json:"skill_group"`

	// AgentID is empty while PENDING, when the chatbot is serving, and
	// while AwaitingAgent is set.
	AgentID string `json:"agent_id,omitempty"`
	Status  Status `json:"status"`

	// AwaitingAgent marks an INSERVICE conversation whose agent left with
	// neither another agent nor a chatbot to take it over.
	AwaitingAgent bool `json:"awaiting_agent,omitempty"`

	ChatbotTurns  int64 `json:"chatbot_turns"`
	ChatbotErrors int64 `json:"chatbot_errors"`

	Transfer     *TransferRecord `json:"transfer,omitempty"`
	Transferred  bool            `json:"transferred"`
	TransferMemo string          `json:"transfer_memo,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WithChatbot reports whether the chatbot holds the conversation.
func (c *Conversation) WithChatbot() bool {
	return c.Status == StatusInService && c.AgentID == "" && !c.AwaitingAgent
}

// NeedsAgent reports whether nobody serves the conversation yet.
func (c *Conversation) NeedsAgent() bool {
	return c.Status == StatusPending || (c.Status == StatusInService && c.AwaitingAgent)
}

// Active reports whether the conversation has not ended.
func (c *Conversation) Active() bool {
	return c.Status != StatusEnd
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	out := *c
	if c.Transfer != nil {
		tr := *c.Transfer
		out.Transfer = &tr
	}
	return &out
}

// NewConversation holds the attributes known on first touch.
type NewConversation struct {
	ID         string
	OrgID      string
	VisitorID  string
	Channel    string
	SkillGroup string
}
