// ABOUTME: Record types for the routing history database
// ABOUTME: Conversations, agent statuses, transfer outcomes and dropped deliveries

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ConversationRecord is the latest mirrored state of one conversation.
type ConversationRecord struct {
	ID            string
	OrgID         string
	VisitorID     string
	Channel       string
	SkillGroup    string
	AgentID       string
	Status        string
	ChatbotTurns  int64
	ChatbotErrors int64
	Transferred   bool
	TransferMemo  string
	AwaitingAgent bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AgentStatusRecord is the last known status of one agent.
type AgentStatusRecord struct {
	AgentID      string
	Name         string
	Skills       []string
	Availability string
	Load         int
	Capacity     int
	Removed      bool
	UpdatedAt    time.Time
}

// TransferEntry is one finished transfer attempt.
type TransferEntry struct {
	ID             int64
	ConversationID string
	SourceAgentID  string
	TargetAgentID  string
	Memo           string
	Outcome        string
	RequestedAt    time.Time
	RecordedAt     time.Time
}

// DroppedDelivery is an event the fan-out gave up on.
type DroppedDelivery struct {
	EventID        string
	ConversationID string
	Kind           string
	Target         string
	Attempts       int
	Error          string
	DroppedAt      time.Time
}
