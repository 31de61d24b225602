package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/aeolun/huddle/pkg/database"
	"github.com/aeolun/huddle/pkg/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CallType is the media kind of a call
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// ParseCallType validates a wire call type
func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case CallAudio, CallVideo:
		return CallType(s), nil
	}
	return "", protocolError("invalid call type %q", s)
}

// CallState is the lifecycle state of a call session
type CallState int

const (
	CallRinging CallState = iota
	CallActive
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallRinging:
		return database.CallStateRinging
	case CallActive:
		return database.CallStateActive
	case CallEnded:
		return database.CallStateEnded
	}
	return "unknown"
}

// MediaRelay carries call media on the allocated port
type MediaRelay interface {
	Open(callID string, port int) error
	Close(callID string)
}

// NoopRelay is used when media relaying is disabled; only signaling
// happens.
type NoopRelay struct{}

func (NoopRelay) Open(string, int) error { return nil }
func (NoopRelay) Close(string)           {}

// CallSession is one multi-party call
type CallSession struct {
	ID             string
	ConversationID int64
	Caller         string
	Type           CallType
	Port           int
	RelayAddr      string

	mu           sync.Mutex
	state        CallState
	participants map[string]bool // invited user -> joined
	record       database.CallRecord
}

// State returns the current lifecycle state
func (s *CallSession) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Participants returns a snapshot of invited users and their joined flag
func (s *CallSession) Participants() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool, len(s.participants))
	for u, joined := range s.participants {
		out[u] = joined
	}
	return out
}

// CallManager owns all call sessions, their relay ports and relays.
// Lock order is manager.mu then session.mu.
type CallManager struct {
	mu       sync.Mutex
	sessions map[string]*CallSession

	store      database.Store
	router     *Router
	ports      *PortAllocator
	relay      MediaRelay
	publicHost string
	metrics    *Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

// NewCallManager creates a call manager. relay may be nil to disable
// media relaying.
func NewCallManager(store database.Store, router *Router, ports *PortAllocator, relay MediaRelay, publicHost string, metrics *Metrics, logger zerolog.Logger) *CallManager {
	if relay == nil {
		relay = NoopRelay{}
	}
	return &CallManager{
		sessions:   make(map[string]*CallSession),
		store:      store,
		router:     router,
		ports:      ports,
		relay:      relay,
		publicHost: publicHost,
		metrics:    metrics,
		logger:     logger.With().Str("com", "calls").Logger(),
		now:        serverClock,
	}
}

// StartCall rings every other member of the conversation
func (m *CallManager) StartCall(conversationID int64, caller string, callType CallType) (*CallSession, error) {
	conv, err := m.store.GetConversation(conversationID)
	if err != nil {
		return nil, storeError("GetConversation", err)
	}
	if !conv.HasMember(caller) {
		return nil, fmt.Errorf("%w: %s is not a member of conversation %d", ErrPermission, caller, conversationID)
	}

	callID := uuid.NewString()
	port, err := m.bindPort(callID)
	if err != nil {
		return nil, err
	}

	rec := database.CallRecord{
		ID:             callID,
		ConversationID: conversationID,
		Caller:         caller,
		CallType:       string(callType),
		State:          database.CallStateRinging,
		RelayPort:      port,
		StartedAt:      m.now().UnixMilli(),
	}
	if err := m.store.CreateCall(&rec); err != nil {
		m.relay.Close(callID)
		m.ports.Release(callID)
		return nil, storeError("CreateCall", err)
	}

	invited := make(map[string]bool)
	var targets []string
	for _, member := range conv.Members {
		if member == caller {
			continue
		}
		invited[member] = false
		targets = append(targets, member)
	}

	sess := &CallSession{
		ID:             callID,
		ConversationID: conversationID,
		Caller:         caller,
		Type:           callType,
		Port:           port,
		RelayAddr:      net.JoinHostPort(m.publicHost, strconv.Itoa(port)),
		state:          CallRinging,
		participants:   invited,
		record:         rec,
	}

	m.mu.Lock()
	m.sessions[callID] = sess
	active := len(m.sessions)
	m.mu.Unlock()
	m.metrics.RecordCalls(active, m.ports.InUse())

	delivered := m.router.Deliver(targets, protocol.Event(protocol.EventCallIncoming,
		callID, strconv.FormatInt(conversationID, 10), caller, string(callType), sess.RelayAddr))

	m.logger.Info().
		Str("call", callID).
		Int64("conversation", conversationID).
		Str("caller", caller).
		Int("port", port).
		Int("invited", len(targets)).
		Int("ringing", delivered).
		Msg("call started")
	return sess, nil
}

// bindPort allocates a port for callID and opens the relay on it. A port
// the relay cannot open stays reserved under a placeholder owner while
// the next free one is tried, so a port held by another process does not
// block the rest of the range.
func (m *CallManager) bindPort(callID string) (int, error) {
	var skipped []string
	defer func() {
		for _, owner := range skipped {
			m.ports.Release(owner)
		}
	}()

	var lastErr error
	for attempt := 0; attempt < m.ports.Capacity(); attempt++ {
		port, err := m.ports.Allocate(callID)
		if err != nil {
			if lastErr != nil && errors.Is(err, ErrResourceExhausted) {
				break
			}
			return 0, err
		}

		err = m.relay.Open(callID, port)
		if err == nil {
			return port, nil
		}
		lastErr = fmt.Errorf("open relay on port %d: %w", port, err)
		m.logger.Warn().Err(err).Str("call", callID).Int("port", port).Msg("relay port unavailable, trying next")

		placeholder := fmt.Sprintf("%s/unbindable/%d", callID, port)
		if !m.ports.Rename(callID, placeholder) {
			m.ports.Release(callID)
			return 0, lastErr
		}
		skipped = append(skipped, placeholder)
	}
	return 0, fmt.Errorf("%w: no relay port could be opened (%d tried): %v", ErrResourceExhausted, len(skipped), lastErr)
}

func (m *CallManager) lookup(callID string) (*CallSession, error) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: call %s", ErrNotFound, callID)
	}
	return sess, nil
}

// AnswerCall joins userID to the call; the first answer makes it active
func (m *CallManager) AnswerCall(callID, userID string) (*CallSession, error) {
	sess, err := m.lookup(callID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	if sess.state == CallEnded {
		sess.mu.Unlock()
		return nil, fmt.Errorf("%w: call %s", ErrNotFound, callID)
	}
	if _, invited := sess.participants[userID]; !invited {
		sess.mu.Unlock()
		return nil, fmt.Errorf("%w: %s was not invited to call %s", ErrPermission, userID, callID)
	}
	if sess.state == CallRinging {
		rec := sess.record
		answeredAt := m.now().UnixMilli()
		rec.State = database.CallStateActive
		rec.AnsweredAt = &answeredAt
		if err := m.store.UpdateCall(&rec); err != nil {
			sess.mu.Unlock()
			return nil, storeError("UpdateCall", err)
		}
		sess.record = rec
		sess.state = CallActive
	}
	sess.participants[userID] = true
	sess.mu.Unlock()

	m.router.Deliver([]string{sess.Caller}, protocol.Event(protocol.EventCallAnswered, callID, userID))
	m.logger.Info().Str("call", callID).Str("user", userID).Msg("call answered")
	return sess, nil
}

// RejectCall withdraws userID's invitation and tells the caller. The
// session itself continues.
func (m *CallManager) RejectCall(callID, userID string) error {
	sess, err := m.lookup(callID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.state == CallEnded {
		sess.mu.Unlock()
		return fmt.Errorf("%w: call %s", ErrNotFound, callID)
	}
	if _, invited := sess.participants[userID]; !invited {
		sess.mu.Unlock()
		return fmt.Errorf("%w: %s was not invited to call %s", ErrPermission, userID, callID)
	}
	delete(sess.participants, userID)
	sess.mu.Unlock()

	m.router.Deliver([]string{sess.Caller}, protocol.Event(protocol.EventCallRejected, callID, userID))
	m.logger.Info().Str("call", callID).Str("user", userID).Msg("call rejected")
	return nil
}

// EndCall removes the session, frees its port and relay and notifies
// everyone else involved. Ending an unknown call reports false without
// error and leaves the allocator untouched.
func (m *CallManager) EndCall(callID, userID string) (bool, error) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}

	sess.mu.Lock()
	_, invited := sess.participants[userID]
	if userID != sess.Caller && !invited {
		sess.mu.Unlock()
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s is not part of call %s", ErrPermission, userID, callID)
	}
	delete(m.sessions, callID)
	active := len(m.sessions)
	sess.state = CallEnded
	rec := sess.record
	others := make([]string, 0, len(sess.participants)+1)
	if sess.Caller != userID {
		others = append(others, sess.Caller)
	}
	for u := range sess.participants {
		if u != userID {
			others = append(others, u)
		}
	}
	sess.mu.Unlock()
	m.mu.Unlock()

	m.teardown(sess)
	m.metrics.RecordCalls(active, m.ports.InUse())

	endedAt := m.now().UnixMilli()
	rec.State = database.CallStateEnded
	rec.EndedAt = &endedAt
	if err := m.store.UpdateCall(&rec); err != nil {
		m.logger.Warn().Err(err).Str("call", callID).Msg("failed to persist call end")
	}

	m.router.Deliver(others, protocol.Event(protocol.EventCallEnded, callID, userID))
	m.logger.Info().Str("call", callID).Str("user", userID).Msg("call ended")
	return true, nil
}

func (m *CallManager) teardown(sess *CallSession) {
	m.relay.Close(sess.ID)
	if _, released := m.ports.Release(sess.ID); !released {
		m.logger.Warn().Str("call", sess.ID).Msg("relay port already released")
	}
}

// Session returns an active session by id
func (m *CallManager) Session(callID string) (*CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[callID]
	return sess, ok
}

// ActiveCount returns the number of sessions that have not ended
func (m *CallManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown ends every session without signaling; used on server stop.
func (m *CallManager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*CallSession, 0, len(m.sessions))
	for id, sess := range m.sessions {
		sessions = append(sessions, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		sess.state = CallEnded
		sess.mu.Unlock()
		m.teardown(sess)
	}
	m.metrics.RecordCalls(0, m.ports.InUse())
}
