// Package channels defines the contract between the bridge core and a chat
// platform adapter. The core never talks to a platform directly: it polls an
// Adapter for unread chats and history, and pushes replies back through it.
package channels

import (
	"context"
	"fmt"
	"time"
)

// MessageRole identifies the direction of a message relative to the account
// the adapter is logged in as.
type MessageRole string

const (
	RoleIncoming MessageRole = "incoming"
	RoleOutgoing MessageRole = "outgoing"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText    MessageType = "text"
	MessageAudio   MessageType = "audio"
	MessageVideo   MessageType = "video"
	MessageImage   MessageType = "image"
	MessageContact MessageType = "contact"
	MessageOther   MessageType = "other"
)

// Message is a single chat message as seen by the bridge core.
type Message struct {
	// Role is incoming or outgoing.
	Role MessageRole

	// Content is the text content, or a placeholder for non-text messages.
	Content string

	// Type is the message content type.
	Type MessageType

	// Timestamp is the platform's message identifier for dedup purposes.
	// It is treated as an opaque string; adapters should make it as unique
	// as the platform allows (message ID, or timestamp + sender).
	Timestamp string
}

// ChatChannel describes one chat visible to the adapter.
type ChatChannel struct {
	// Name is the display name or address of the chat.
	Name string

	// UnreadCount is the number of unread messages, if known.
	UnreadCount int

	// IsGroup indicates a group chat.
	IsGroup bool
}

// Adapter is the platform-facing interface every chat adapter implements.
// All methods must be safe for use from a single polling goroutine plus the
// sender path; adapters serialize internally as needed.
type Adapter interface {
	// Login connects to the platform, blocking up to timeout for the
	// session to become usable (e.g. QR scan on first run). Returns false
	// without error when the timeout elapses before login completes.
	Login(ctx context.Context, timeout time.Duration) (bool, error)

	// IsConnected reports whether the platform session is currently usable.
	IsConnected() bool

	// GetUnreadChats returns the chats that currently have unread messages.
	GetUnreadChats() []ChatChannel

	// GetHistory returns up to limit most recent messages for a chat,
	// oldest first. Fetching history marks the chat as read.
	GetHistory(chatName string, limit int) []Message

	// SendMessage sends text to the named chat.
	SendMessage(ctx context.Context, chatName, text string) error

	// DownloadMedia fetches media attached to a message in the chat.
	// messageIndex counts from the end of the visible history (-1 = last).
	// Returns base64 data-URL strings ("data:<mime>;base64,<payload>").
	DownloadMedia(ctx context.Context, chatName string, messageIndex int, mediaType MessageType) ([]string, error)

	// GetAllChats lists every chat known to the adapter.
	GetAllChats() []ChatChannel

	// Close releases the platform connection.
	Close() error
}

// Errors shared by adapter implementations.
var (
	ErrNotConnected = fmt.Errorf("adapter is not connected")
	ErrChatNotFound = fmt.Errorf("chat not found")
	ErrNoMedia      = fmt.Errorf("message has no downloadable media")
	ErrSendFailed   = fmt.Errorf("failed to send message")
)
