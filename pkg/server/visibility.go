package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/aeolun/huddle/pkg/database"
)

// serverClock is the time source for message timestamps and watermarks.
// Millisecond precision matches what the store persists, so a watermark
// and a message sent at the same instant compare equal.
func serverClock() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// MarkPersister stores deletion marks durably
type MarkPersister interface {
	SaveDeletionMark(conversationID int64, username string, atMillis int64) error
	DeleteDeletionMark(conversationID int64, username string) error
}

type markKey struct {
	conversationID int64
	userID         string
}

// VisibilityStore keeps per-user deletion watermarks on shared
// conversations. While a mark is active, messages sent before it are
// hidden from that user. Marks only move forward until restored.
type VisibilityStore struct {
	mu      sync.RWMutex
	marks   map[markKey]time.Time
	persist MarkPersister
	now     func() time.Time
}

// NewVisibilityStore creates an empty store. now defaults to the server
// clock.
func NewVisibilityStore(persist MarkPersister, now func() time.Time) *VisibilityStore {
	if now == nil {
		now = serverClock
	}
	return &VisibilityStore{
		marks:   make(map[markKey]time.Time),
		persist: persist,
		now:     now,
	}
}

// Load installs previously persisted marks
func (v *VisibilityStore) Load(marks []database.DeletionMark) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, m := range marks {
		v.marks[markKey{m.ConversationID, m.Username}] = time.UnixMilli(m.At).UTC()
	}
}

// MarkDeleted sets the watermark of (conversationID, userID) to now, or
// keeps a later existing one. Returns the effective watermark.
func (v *VisibilityStore) MarkDeleted(conversationID int64, userID string) (time.Time, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := markKey{conversationID, userID}
	at := v.now()
	if cur, ok := v.marks[key]; ok && cur.After(at) {
		at = cur
	}
	if err := v.save(key, at); err != nil {
		return time.Time{}, err
	}
	v.marks[key] = at
	return at, nil
}

// GetWatermark returns the active watermark, if any
func (v *VisibilityStore) GetWatermark(conversationID int64, userID string) (time.Time, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	at, ok := v.marks[markKey{conversationID, userID}]
	return at, ok
}

// OnMessageSent advances an existing mark of the sender to sentAt. The
// conversation reappears for them, but messages between the old mark and
// sentAt stay hidden. Without a mark this does nothing.
func (v *VisibilityStore) OnMessageSent(conversationID int64, userID string, sentAt time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := markKey{conversationID, userID}
	cur, ok := v.marks[key]
	if !ok || !sentAt.After(cur) {
		return nil
	}
	if err := v.save(key, sentAt); err != nil {
		return err
	}
	v.marks[key] = sentAt
	return nil
}

// Restore removes the mark, making the whole history visible again
func (v *VisibilityStore) Restore(conversationID int64, userID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := markKey{conversationID, userID}
	if v.persist != nil {
		if err := v.persist.DeleteDeletionMark(conversationID, userID); err != nil {
			return fmt.Errorf("%w: delete deletion mark: %v", ErrPersistence, err)
		}
	}
	delete(v.marks, key)
	return nil
}

// Visible reports whether a message sent at sentAt is shown to userID
func (v *VisibilityStore) Visible(conversationID int64, userID string, sentAt time.Time) bool {
	at, ok := v.GetWatermark(conversationID, userID)
	return !ok || !sentAt.Before(at)
}

// Hidden reports whether the conversation is left out of userID's list
// view: it has a mark and nothing was sent at or after it. latest is the
// newest message time, ok false when the conversation has no messages.
func (v *VisibilityStore) Hidden(conversationID int64, userID string, latest time.Time, ok bool) bool {
	at, marked := v.GetWatermark(conversationID, userID)
	if !marked {
		return false
	}
	return !ok || latest.Before(at)
}

func (v *VisibilityStore) save(key markKey, at time.Time) error {
	if v.persist == nil {
		return nil
	}
	if err := v.persist.SaveDeletionMark(key.conversationID, key.userID, at.UnixMilli()); err != nil {
		return fmt.Errorf("%w: save deletion mark: %v", ErrPersistence, err)
	}
	return nil
}
