package store

import (
	"strings"
	"time"
)

// Status is the delivery state of a message.
type Status string

const (
	// StatusPending marks an optimistic message not yet acknowledged by
	// the server.
	StatusPending Status = "PENDING"
	// StatusDelivered marks a server-confirmed message.
	StatusDelivered Status = "DELIVERED"
	// StatusRead marks a message the recipient has viewed.
	StatusRead Status = "READ"
)

// Message is one chat message. ID may be a locally-generated id while the
// message is PENDING; the server-assigned id replaces it on acknowledgment.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
	Status         Status    `json:"status"`
}

// Participant describes one side of a conversation.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
	Role      string `json:"role"`
}

// Conversation is the list-view projection of one conversation.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage"`
	UnreadCount  int           `json:"unreadCount"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// SendRequest is the outbound publish payload. ConversationID is empty when
// starting a new conversation with ReceiverID.
type SendRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
}

// Ack is the server's confirmation for a message this identity sent,
// carrying the authoritative persisted message and real conversation id.
type Ack struct {
	Message        Message `json:"persistedMessage"`
	ReceiverOnline bool    `json:"receiverOnline"`
}

// PresenceEvent is an inbound presence frame.
type PresenceEvent struct {
	UserID       string    `json:"userId"`
	Online       bool      `json:"online"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

const tempPrefix = "temp:"

// TempKey returns the synthetic conversation key used before the first
// message to userID has been acknowledged.
func TempKey(userID string) string {
	return tempPrefix + userID
}

// IsTempKey reports whether id is a locally-synthesized conversation key.
func IsTempKey(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

// TempKeyUser returns the recipient a temp key was derived from, or "" when
// id is not a temp key.
func TempKeyUser(id string) string {
	if !IsTempKey(id) {
		return ""
	}
	return strings.TrimPrefix(id, tempPrefix)
}

// Peer returns the participant that is not self, for rendering and for
// addressing sends in an established conversation.
func (c *Conversation) Peer(selfID string) Participant {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p
		}
	}
	return Participant{}
}
