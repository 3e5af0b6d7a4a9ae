package chat

import (
	"time"
)

// MessageID is the tagged identity of a message: a locally-generated
// temp id while the send is in flight, or the server-assigned permanent
// id once confirmed. The two never share a namespace.
type MessageID interface {
	String() string
	isMessageID()
}

// PendingID is the temporary id of an optimistic message.
type PendingID string

func (p PendingID) String() string { return string(p) }
func (PendingID) isMessageID()     {}

// ConfirmedID is the server-assigned permanent id of a message.
type ConfirmedID string

func (c ConfirmedID) String() string { return string(c) }
func (ConfirmedID) isMessageID()     {}

// Message is one entry in a conversation timeline. DeliveredTo and
// ReadBy only grow for the lifetime of the client session.
type Message struct {
	ID             MessageID
	ConversationID string
	SenderID       string
	SenderName     string
	SenderAvatar   string
	Text           string
	CreatedAt      time.Time
	DeliveredTo    map[string]struct{}
	ReadBy         map[string]struct{}
}

// Pending reports whether the message still awaits server confirmation.
func (m *Message) Pending() bool {
	_, ok := m.ID.(PendingID)
	return ok
}

// DeliveredBy reports whether userID has acknowledged delivery.
func (m *Message) DeliveredBy(userID string) bool {
	_, ok := m.DeliveredTo[userID]
	return ok
}

// ReadByUser reports whether userID has acknowledged reading.
func (m *Message) ReadByUser(userID string) bool {
	_, ok := m.ReadBy[userID]
	return ok
}

// DisplayStatus is the per-message status derived for the view.
type DisplayStatus string

const (
	StatusPending   DisplayStatus = "pending"
	StatusSent      DisplayStatus = "sent"
	StatusDelivered DisplayStatus = "delivered"
	StatusRead      DisplayStatus = "read"
)

// Event payloads. Shapes are dictated by the backend.

// AckEvent is the payload of messageDelivered and messageRead, both
// inbound and outbound.
type AckEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// TypingEvent is the payload of userTyping (inbound) and typing (outbound).
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	DisplayName    string `json:"displayName,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// PresenceEvent is the payload of userOnline, userOffline, and
// participantStatus.
type PresenceEvent struct {
	UserID       string `json:"userId"`
	IsOnline     bool   `json:"isOnline"`
	LastOnlineAt string `json:"lastOnlineAt,omitempty"`
}

// SendMessagePayload is the outbound sendMessage payload. TempID rides
// along as a client key; the backend is not assumed to echo it.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	TempID         string `json:"tempId"`
	Text           string `json:"text"`
	CreatedAt      string `json:"createdAt"`
}

// ConversationRef is the payload of joinConversation and leaveConversation.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// StatusRequest is the payload of getParticipantStatus.
type StatusRequest struct {
	UserID string `json:"userId"`
}
