package database

import (
	"fmt"
	"sort"
	"sync"
)

// memberKey identifies per-member state in a conversation (read state,
// deletion marks)
type memberKey struct {
	conversationID int64
	username       string
}

// MemDB is an in-memory Store. It backs the "memory" driver and tests.
type MemDB struct {
	mu sync.RWMutex

	// Core data
	users         map[string]*User
	conversations map[int64]*Conversation
	messages      map[int64]*Message
	calls         map[string]*CallRecord
	marks         map[memberKey]int64
	readState     map[memberKey]int64

	// Indexes for fast lookups
	messagesByConversation map[int64][]int64 // conversationID -> messageIDs in send order
	conversationsByUser    map[string][]int64

	nextUserID         int64
	nextConversationID int64
	nextMessageID      int64
}

// NewMemDB creates an empty in-memory store
func NewMemDB() *MemDB {
	return &MemDB{
		users:                  make(map[string]*User),
		conversations:          make(map[int64]*Conversation),
		messages:               make(map[int64]*Message),
		calls:                  make(map[string]*CallRecord),
		marks:                  make(map[memberKey]int64),
		readState:              make(map[memberKey]int64),
		messagesByConversation: make(map[int64][]int64),
		conversationsByUser:    make(map[string][]int64),
	}
}

// CreateUser stores a new account (ErrConflict if the username is taken)
func (m *MemDB) CreateUser(username, passwordHash, displayName string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[username]; exists {
		return nil, fmt.Errorf("user %s: %w", username, ErrConflict)
	}
	m.nextUserID++
	u := &User{
		ID:           m.nextUserID,
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		CreatedAt:    nowMillis(),
	}
	m.users[username] = u
	copied := *u
	return &copied, nil
}

// GetUser returns a user by username
func (m *MemDB) GetUser(username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	copied := *u
	return &copied, nil
}

// CreateConversation creates a conversation; every member must exist
func (m *MemDB) CreateConversation(title, createdBy string, members []string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := dedupeMembers(createdBy, members)
	for _, member := range all {
		if _, ok := m.users[member]; !ok {
			return nil, fmt.Errorf("member %s: %w", member, ErrNotFound)
		}
	}

	m.nextConversationID++
	c := &Conversation{
		ID:        m.nextConversationID,
		Title:     title,
		CreatedBy: createdBy,
		CreatedAt: nowMillis(),
		Members:   all,
	}
	m.conversations[c.ID] = c
	for _, member := range all {
		m.conversationsByUser[member] = append(m.conversationsByUser[member], c.ID)
	}
	return copyConversation(c), nil
}

// GetConversation returns a conversation with its members
func (m *MemDB) GetConversation(id int64) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	return copyConversation(c), nil
}

// ListConversations returns the conversations username belongs to
func (m *MemDB) ListConversations(username string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.conversationsByUser[username]
	result := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		result = append(result, copyConversation(m.conversations[id]))
	}
	return result, nil
}

// CreateMessage stores msg and assigns its ID
func (m *MemDB) CreateMessage(msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return fmt.Errorf("conversation %d: %w", msg.ConversationID, ErrNotFound)
	}
	m.nextMessageID++
	msg.ID = m.nextMessageID
	stored := *msg
	m.messages[msg.ID] = &stored

	ids := m.messagesByConversation[msg.ConversationID]
	// Keep send order; an older timestamp goes after every message sent
	// at or before it
	pos := len(ids)
	if pos > 0 && m.messages[ids[pos-1]].SentAt > msg.SentAt {
		pos = sort.Search(len(ids), func(i int) bool {
			return m.messages[ids[i]].SentAt > msg.SentAt
		})
	}
	ids = append(ids, 0)
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = msg.ID
	m.messagesByConversation[msg.ConversationID] = ids
	return nil
}

// ListMessages returns up to limit most recent messages with SentAt >=
// sinceMillis, oldest first
func (m *MemDB) ListMessages(conversationID int64, sinceMillis int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, ErrNotFound)
	}

	var visible []*Message
	for _, id := range m.messagesByConversation[conversationID] {
		msg := m.messages[id]
		if msg.SentAt < sinceMillis {
			continue
		}
		copied := *msg
		visible = append(visible, &copied)
	}
	if limit > 0 && len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}
	return visible, nil
}

// LatestMessageAt returns the send time of the newest message
func (m *MemDB) LatestMessageAt(conversationID int64) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.messagesByConversation[conversationID]
	if len(ids) == 0 {
		return 0, false, nil
	}
	return m.messages[ids[len(ids)-1]].SentAt, true, nil
}

// MarkRead records the last message username has read
func (m *MemDB) MarkRead(conversationID int64, username string, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok || msg.ConversationID != conversationID {
		return fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	key := memberKey{conversationID, username}
	if messageID > m.readState[key] {
		m.readState[key] = messageID
	}
	return nil
}

// LastRead returns the highest message id marked read (0 if none)
func (m *MemDB) LastRead(conversationID int64, username string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readState[memberKey{conversationID, username}]
}

// CreateCall inserts a call history record
func (m *MemDB) CreateCall(rec *CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.calls[rec.ID]; exists {
		return fmt.Errorf("call %s: %w", rec.ID, ErrConflict)
	}
	copied := *rec
	m.calls[rec.ID] = &copied
	return nil
}

// UpdateCall replaces a call history record
func (m *MemDB) UpdateCall(rec *CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.calls[rec.ID]; !exists {
		return fmt.Errorf("call %s: %w", rec.ID, ErrNotFound)
	}
	copied := *rec
	m.calls[rec.ID] = &copied
	return nil
}

// GetCall returns a call history record
func (m *MemDB) GetCall(id string) (*CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.calls[id]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	copied := *rec
	return &copied, nil
}

// SaveDeletionMark upserts a watermark
func (m *MemDB) SaveDeletionMark(conversationID int64, username string, atMillis int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[memberKey{conversationID, username}] = atMillis
	return nil
}

// DeleteDeletionMark removes a watermark (no error if absent)
func (m *MemDB) DeleteDeletionMark(conversationID int64, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marks, memberKey{conversationID, username})
	return nil
}

// ListDeletionMarks returns all stored watermarks
func (m *MemDB) ListDeletionMarks() ([]DeletionMark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	marks := make([]DeletionMark, 0, len(m.marks))
	for k, at := range m.marks {
		marks = append(marks, DeletionMark{ConversationID: k.conversationID, Username: k.username, At: at})
	}
	return marks, nil
}

// Close is a no-op for the in-memory store
func (m *MemDB) Close() error {
	return nil
}

func copyConversation(c *Conversation) *Conversation {
	copied := *c
	copied.Members = append([]string(nil), c.Members...)
	return &copied
}
