package database

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness constraint (e.g. username taken).
	ErrConflict = errors.New("already exists")
)

// Message kinds
const (
	KindText = "text"
	KindFile = "file"
)

// Call lifecycle states persisted in call history
const (
	CallStateRinging = "ringing"
	CallStateActive  = "active"
	CallStateEnded   = "ended"
)

// Store is the durable persistence used by the server core. All
// operations are synchronous and keyed by entity id.
type Store interface {
	CreateUser(username, passwordHash, displayName string) (*User, error)
	GetUser(username string) (*User, error)

	CreateConversation(title, createdBy string, members []string) (*Conversation, error)
	GetConversation(id int64) (*Conversation, error)
	ListConversations(username string) ([]*Conversation, error)

	CreateMessage(msg *Message) error
	ListMessages(conversationID int64, sinceMillis int64, limit int) ([]*Message, error)
	LatestMessageAt(conversationID int64) (int64, bool, error)
	MarkRead(conversationID int64, username string, messageID int64) error

	CreateCall(rec *CallRecord) error
	UpdateCall(rec *CallRecord) error

	SaveDeletionMark(conversationID int64, username string, atMillis int64) error
	DeleteDeletionMark(conversationID int64, username string) error
	ListDeletionMarks() ([]DeletionMark, error)

	Close() error
}

// User represents a registered account
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string // bcrypt hash
	CreatedAt    int64  // Unix timestamp in milliseconds
}

// Conversation is a group of members sharing messages
type Conversation struct {
	ID        int64
	Title     string
	CreatedBy string
	CreatedAt int64 // Unix timestamp in milliseconds
	Members   []string
}

// HasMember reports whether username belongs to the conversation
func (c *Conversation) HasMember(username string) bool {
	for _, m := range c.Members {
		if m == username {
			return true
		}
	}
	return false
}

// Message is a persisted conversation message
type Message struct {
	ID             int64
	ConversationID int64
	Sender         string
	Kind           string // KindText or KindFile
	Body           string // text content, or the object URL for files
	SentAt         int64  // Unix timestamp in milliseconds
}

// CallRecord is one entry of call history
type CallRecord struct {
	ID             string
	ConversationID int64
	Caller         string
	CallType       string
	State          string
	RelayPort      int
	StartedAt      int64 // Unix timestamp in milliseconds
	AnsweredAt     *int64
	EndedAt        *int64
}

// DeletionMark is a per-user visibility watermark on a conversation
type DeletionMark struct {
	ConversationID int64
	Username       string
	At             int64 // Unix timestamp in milliseconds
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// dedupeMembers returns members with creator first and duplicates removed
func dedupeMembers(createdBy string, members []string) []string {
	seen := map[string]bool{createdBy: true}
	out := []string{createdBy}
	for _, m := range members {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
