package domain

import "time"

// Message is a read-only view of a single chat message fetched from the
// messaging client. Messages are never cached beyond the scope of one request.
type Message struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`      // display name, best effort
	Body        string    `json:"body"`
	Timestamp   time.Time `json:"timestamp"`
	IsGroup     bool      `json:"isGroup"`
	ContactName string    `json:"contactName,omitempty"` // resolved chat name; empty if resolution failed
	FromMe      bool      `json:"fromMe"`
}

// Chat is a conversation thread with one contact or group — the unit of
// message retrieval in the underlying client.
type Chat struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsGroup     bool   `json:"isGroup"`
	UnreadCount int    `json:"unreadCount"`
}

// Contact is an entry in the user's contact directory.
type Contact struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Number  string `json:"number"`
	IsGroup bool   `json:"isGroup"`
}

// MessageFilter narrows a listing request.
type MessageFilter struct {
	Contact    string
	UnreadOnly bool
	Limit      int
}

type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	Timestamp time.Time
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Emotion Emotion // face animation hint
}

// Emotion is the face animation hint attached to spoken responses.
type Emotion string

const (
	EmotionNeutral   Emotion = "neutral"
	EmotionHappy     Emotion = "happy"
	EmotionThinking  Emotion = "thinking"
	EmotionConcerned Emotion = "concerned"
)
