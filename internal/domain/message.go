package domain

import "encoding/json"

// Platform identifies the chat platform a message originated from.
// The set is closed; adding a platform means adding a constant here
// and a delivery sender for it.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
	PlatformWeb      Platform = "web"
)

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformTelegram, PlatformDiscord, PlatformWeb:
		return true
	}
	return false
}

// Direction of a timeline entry relative to the hub.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// InboundMessage is what a platform adapter posts to the hub.
// Optional fields are pointers so absence survives JSON round-trips.
type InboundMessage struct {
	Platform          Platform        `json:"platform"`
	PlatformMessageID string          `json:"platformMessageId"`
	PlatformChatID    string          `json:"platformChatId"`
	PlatformChatType  *string         `json:"platformChatType,omitempty"`
	SenderName        string          `json:"senderName"`
	SenderID          string          `json:"senderId"`
	Text              *string         `json:"text,omitempty"`
	Timestamp         *int64          `json:"timestamp"` // ms since epoch; zero is valid
	PlatformMeta      json.RawMessage `json:"platformMeta,omitempty"`
}

// OutboundRequest records a system-generated reply into the timeline.
type OutboundRequest struct {
	Platform       Platform `json:"platform"`
	PlatformChatID string   `json:"platformChatId"`
	Text           string   `json:"text"`
	InReplyTo      *int64   `json:"inReplyTo,omitempty"`
}

// TimelineEntry is the hub's canonical message form, returned by every
// transport. ID is assigned by the store and strictly increases in
// insertion order across all platforms.
type TimelineEntry struct {
	ID                int64    `json:"id"`
	Direction         string   `json:"direction"`
	Platform          Platform `json:"platform"`
	PlatformMessageID string   `json:"platformMessageId"`
	PlatformChatID    string   `json:"platformChatId"`
	PlatformChatType  *string  `json:"platformChatType"`
	SenderName        string   `json:"senderName"`
	SenderID          string   `json:"senderId"`
	Text              *string  `json:"text"`
	Timestamp         int64    `json:"timestamp"`
	PlatformMeta      *string  `json:"platformMeta"` // opaque JSON string
	CreatedAt         string   `json:"createdAt"`    // RFC 3339 UTC, set by the store
}

// Conversation aggregates all entries for one (platform, chatID) pair.
// Created implicitly by the first entry, never deleted.
type Conversation struct {
	ID               int64    `json:"id"`
	Platform         Platform `json:"platform"`
	PlatformChatID   string   `json:"platformChatId"`
	PlatformChatType *string  `json:"platformChatType"`
	Label            string   `json:"label"`
	FirstSeenAt      string   `json:"firstSeenAt"`
	LastMessageAt    string   `json:"lastMessageAt"`
	MessageCount     int64    `json:"messageCount"`
}

// Stats is the store-wide row count summary.
type Stats struct {
	MessageCount      int64 `json:"messageCount"`
	ConversationCount int64 `json:"conversationCount"`
}

// Health is the body of the health check.
type Health struct {
	OK                bool  `json:"ok"`
	MessageCount      int64 `json:"messageCount"`
	ConversationCount int64 `json:"conversationCount"`
}
