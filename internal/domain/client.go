package domain

import (
	"context"
	"time"
)

// ClientEvent identifies a lifecycle event emitted by the messaging client.
type ClientEvent string

const (
	EventQR            ClientEvent = "qr"
	EventAuthenticated ClientEvent = "authenticated"
	EventReady         ClientEvent = "ready"
	EventDisconnected  ClientEvent = "disconnected"
)

// DisconnectReasonLogout marks a deliberate logout: the session is gone and
// the next connect starts fresh with a new QR scan.
const DisconnectReasonLogout = "logout"

// ClientMessage is a raw message as delivered by the messaging client, before
// the adapter resolves sender names. NotifyName and FromName come from
// different upstream lookups and either may be empty.
type ClientMessage struct {
	ID         string
	ChatID     string
	SenderID   string
	NotifyName string
	FromName   string
	Body       string
	Timestamp  time.Time
	FromMe     bool
	Unread     bool
}

// MessagingClient is the capability surface of the external messaging session.
// Implementations are stateful and event-driven; every call can fail and
// failures must be caught at the adapter boundary, never propagated raw.
type MessagingClient interface {
	// Initialize starts the session. Emits EventQR, EventAuthenticated and
	// EventReady as the session progresses; idempotent detection is the
	// caller's job via Initialized.
	Initialize(ctx context.Context) error

	// Initialized reports whether the client already holds session/page state,
	// so a second Initialize is not needed.
	Initialized() bool

	// On registers a handler for a lifecycle event. The payload is the QR
	// string for EventQR and the reason for EventDisconnected.
	On(event ClientEvent, handler func(payload string))

	ListChats(ctx context.Context) ([]Chat, error)
	FetchMessages(ctx context.Context, chatID string, limit int) ([]ClientMessage, error)
	SendMessage(ctx context.Context, chatID, body string) error
	ReplyMessage(ctx context.Context, chatID, messageID, body string) error

	// GetContacts may fail independently of the rest of the client (known
	// upstream limitation); callers treat a failure as "no match via this path".
	GetContacts(ctx context.Context) ([]Contact, error)

	// Destroy tears the session down so a fresh client can take over the same
	// persisted session identity.
	Destroy(ctx context.Context) error
}

// ClientFactory builds a new MessagingClient bound to the same persisted
// session identity, used after destroying a corrupted client.
type ClientFactory func() MessagingClient
