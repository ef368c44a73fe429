package strand

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Core Entities
// ============================================================================

// Identity is the authenticated user, as returned by GET /verify.
type Identity struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Verified bool   `json:"verified"`
	PhotoURL string `json:"pfp_path,omitempty"`
}

// Profile is another user's public profile from GET /users/{username}.
type Profile struct {
	Username  string `json:"username"`
	Biography string `json:"biography,omitempty"`
	PhotoURL  string `json:"pfp_path,omitempty"`
}

// Chat is a two-party conversation. Participants are stored as an ordered
// pair by the server; use Partner to derive the other user.
type Chat struct {
	ID             int       `json:"id"`
	FirstUserName  string    `json:"first_user_name"`
	SecondUserName string    `json:"second_user_name"`
	LastUpdate     time.Time `json:"last_update"`
}

// Partner returns the participant that is not self. Returns "" when self is
// not a participant of the chat.
func (c Chat) Partner(self string) string {
	switch self {
	case c.FirstUserName:
		return c.SecondUserName
	case c.SecondUserName:
		return c.FirstUserName
	}
	return ""
}

// Message is a single chat message. ID is nil for a locally composed message
// that has not been acknowledged by the server yet; Time substitutes as its
// identity until the echo arrives. RepliedUser/RepliedMessage are denormalized
// snapshots of the reply target, not live references.
type Message struct {
	ID             *int      `json:"id,omitempty"`
	ChatID         *int      `json:"chat_id,omitempty"`
	Username       string    `json:"username"`
	Body           string    `json:"message"`
	RepliedUser    *string   `json:"replied_user,omitempty"`
	RepliedMessage *string   `json:"replied_message,omitempty"`
	Time           time.Time `json:"time"`
	Edited         bool      `json:"edited,omitempty"`
}

// MessageKey is the composite dedup identity of a message. Server-assigned ids
// may repeat across independent per-chat sequences, so the author is part of
// the key; a bare id would cause false-duplicate suppression across authors.
type MessageKey struct {
	ID     int64
	Author string
}

// Key returns the message's dedup key. Unacknowledged local messages have no
// server id and key on their timestamp instead.
func (m Message) Key() MessageKey {
	if m.ID != nil {
		return MessageKey{ID: int64(*m.ID), Author: m.Username}
	}
	return MessageKey{ID: m.Time.UnixNano(), Author: m.Username}
}

// Friend request status values. The only transition is pending -> accepted.
const (
	FriendPending  = "pending"
	FriendAccepted = "accepted"
)

// FriendRequest is a friendship edge in either state.
type FriendRequest struct {
	ID               *int   `json:"id,omitempty"`
	SenderUsername   string `json:"sender_username"`
	ReceiverUsername string `json:"receiver_username"`
	Status           string `json:"status"`
}

// ============================================================================
// Wire Protocol
// ============================================================================

// Actions carried on the messaging channel.
const (
	ActionNewMessage    = "new_message"
	ActionDelete        = "delete"
	ActionEditMessage   = "edit_message"
	ActionNewChat       = "new_chat"
	ActionChangeBio     = "change_bio"
	ActionDeleteMessage = "delete_message" // outbound only
	ActionError         = "error"
)

// Actions carried on the friend-request channel.
const (
	ActionSendRequest = "send_request"
	ActionAccept      = "accept"
)

// Envelope is the outbound frame format: a discriminant action plus a nested
// payload. Inbound frames are internally tagged instead — their fields sit
// beside the action discriminant — except error frames, which nest a payload.
type Envelope struct {
	Action  string `json:"action"`
	Payload any    `json:"payload"`
}

// frameProbe extracts the discriminant (and the nested payload, when present)
// from a raw inbound frame.
type frameProbe struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// DeleteEvent is the inbound delete frame.
type DeleteEvent struct {
	MessageID int `json:"message_id"`
}

// EditEvent is the inbound edit_message frame.
type EditEvent struct {
	ID     int    `json:"id"`
	ChatID int    `json:"chat_id"`
	Body   string `json:"message"`
}

// ErrorEvent is the payload of an inbound error frame.
type ErrorEvent struct {
	Message string `json:"message"`
}

// ── Outbound payloads ────────────────────────────────────────

// NewMessagePayload asks the server to store and broadcast a message.
type NewMessagePayload struct {
	Message     string `json:"message"`
	ChatPartner string `json:"chat_partner"`
	Reply       *int   `json:"reply,omitempty"`
}

// EditMessagePayload replaces the body of an existing message.
type EditMessagePayload struct {
	MessageID int    `json:"message_id"`
	Message   string `json:"message"`
}

// DeleteMessagePayload removes a message by id.
type DeleteMessagePayload struct {
	ID int `json:"id"`
}

// ChangeBioPayload updates the sender's biography.
type ChangeBioPayload struct {
	Biography string `json:"biography"`
}

// NewChatPayload opens a chat with another user.
type NewChatPayload struct {
	SecondUserName string `json:"second_user_name"`
}

// FriendRequestPayload sends a friend request.
type FriendRequestPayload struct {
	ReceiverUsername string `json:"receiver_username"`
}

// AcceptPayload accepts a pending friend request by id.
type AcceptPayload struct {
	FriendID int `json:"friend_id"`
}
