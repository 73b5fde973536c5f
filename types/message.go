package types

import (
	"time"

	"github.com/google/uuid"
)

// MessageType represents the type of an agent-to-agent message.
type MessageType string

const (
	MessageTypeUser              MessageType = "user_message"
	MessageTypeProposal          MessageType = "proposal"
	MessageTypeEvaluationRequest MessageType = "evaluation_request"
	MessageTypeEvaluationResult  MessageType = "evaluation_result"
	MessageTypeBroadcast         MessageType = "broadcast"
	MessageTypeSystem            MessageType = "system"
)

// IsValid checks whether the message type is a known A2A message type.
func (t MessageType) IsValid() bool {
	switch t {
	case MessageTypeUser, MessageTypeProposal, MessageTypeEvaluationRequest,
		MessageTypeEvaluationResult, MessageTypeBroadcast, MessageTypeSystem:
		return true
	default:
		return false
	}
}

func (t MessageType) String() string {
	return string(t)
}

// Recipient sentinels. A message addressed to RecipientBroadcast is delivered
// to the dispatcher's broadcast handler only; RecipientAll fans out to every
// registered handler except the sender's.
const (
	RecipientBroadcast = "broadcast"
	RecipientAll       = "all"
)

// Message is the unit of communication between agents. It is a value type:
// never mutated after creation and copied freely.
type Message struct {
	ID            string         `json:"id"`
	Type          MessageType    `json:"type"`
	SenderID      string         `json:"sender_id"`
	RecipientID   string         `json:"recipient_id"`
	Content       any            `json:"content"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewMessage creates a new message with a generated ID and current timestamp.
func NewMessage(msgType MessageType, senderID, recipientID string, content any) Message {
	return Message{
		ID:          uuid.New().String(),
		Type:        msgType,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Metadata:    make(map[string]any),
		CreatedAt:   time.Now().UTC(),
	}
}

// Reply builds a new message correlated to m. The reply's CorrelationID is
// always m.ID, and its recipient defaults to m.SenderID when no explicit
// recipient is given. Metadata is copied, not shared.
func (m Message) Reply(msgType MessageType, content any, senderID string, recipientID ...string) Message {
	to := m.SenderID
	if len(recipientID) > 0 && recipientID[0] != "" {
		to = recipientID[0]
	}

	reply := NewMessage(msgType, senderID, to, content)
	reply.CorrelationID = m.ID
	for k, v := range m.Metadata {
		reply.Metadata[k] = v
	}
	return reply
}

// WithMetadata returns a copy of the message with the given metadata key set.
func (m Message) WithMetadata(key string, value any) Message {
	meta := make(map[string]any, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		meta[k] = v
	}
	meta[key] = value
	m.Metadata = meta
	return m
}

// WithCorrelationID returns a copy of the message correlated to the given ID.
func (m Message) WithCorrelationID(id string) Message {
	m.CorrelationID = id
	return m
}

// IsBroadcast reports whether the message targets the broadcast handler.
func (m Message) IsBroadcast() bool {
	return m.RecipientID == RecipientBroadcast
}

// IsFanout reports whether the message targets all registered agents.
func (m Message) IsFanout() bool {
	return m.RecipientID == RecipientAll
}

// Validate checks that the message has all required fields.
func (m Message) Validate() error {
	if m.ID == "" {
		return NewError(ErrCodeValidation, "message missing id")
	}
	if !m.Type.IsValid() {
		return NewError(ErrCodeValidation, "invalid message type: "+string(m.Type))
	}
	if m.SenderID == "" {
		return NewError(ErrCodeValidation, "message missing sender_id")
	}
	if m.RecipientID == "" {
		return NewError(ErrCodeValidation, "message missing recipient_id")
	}
	return nil
}
