package server

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/huddle/pkg/database"
	"github.com/aeolun/huddle/pkg/relay"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay records Open and Close calls and can refuse to open
type fakeRelay struct {
	mu      sync.Mutex
	open    map[string]int
	closed  []string
	openErr error
	busy    map[int]bool // ports that fail to open
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{open: make(map[string]int), busy: make(map[int]bool)}
}

func (r *fakeRelay) Open(callID string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openErr != nil {
		return r.openErr
	}
	if r.busy[port] {
		return errors.New("address already in use")
	}
	r.open[callID] = port
	return nil
}

func (r *fakeRelay) Close(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, callID)
	r.closed = append(r.closed, callID)
}

func (r *fakeRelay) openCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// callStore fails CreateCall on demand
type callStore struct {
	*database.MemDB
	failCreate bool
}

func (s *callStore) CreateCall(rec *database.CallRecord) error {
	if s.failCreate {
		return errDiskFull
	}
	return s.MemDB.CreateCall(rec)
}

type callFixture struct {
	db       *callStore
	registry *Registry
	ports    *PortAllocator
	relay    *fakeRelay
	calls    *CallManager
	convID   int64
}

// newCallFixture seeds alice, bob and dave in one conversation
func newCallFixture(t *testing.T) *callFixture {
	t.Helper()

	db := &callStore{MemDB: database.NewMemDB()}
	for _, u := range []string{"alice", "bob", "dave", "eve"} {
		_, err := db.CreateUser(u, "hash", u)
		require.NoError(t, err)
	}
	conv, err := db.CreateConversation("standup", "alice", []string{"bob", "dave"})
	require.NoError(t, err)

	registry := NewRegistry()
	ports, err := NewPortAllocator(41000, 41001)
	require.NoError(t, err)
	relay := newFakeRelay()
	router := NewRouter(registry, nil, zerolog.Nop())

	return &callFixture{
		db:       db,
		registry: registry,
		ports:    ports,
		relay:    relay,
		calls:    NewCallManager(db, router, ports, relay, "relay.test", nil, zerolog.Nop()),
		convID:   conv.ID,
	}
}

// online registers user on a pipe and returns the lines pushed to them
func (f *callFixture) online(t *testing.T, user string) <-chan string {
	t.Helper()
	conn, peer := pipeConn(t, uint64(f.registry.Count()+1))
	f.registry.Register(user, conn)

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		r := bufio.NewReader(peer)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimSuffix(line, "\n")
		}
	}()
	return lines
}

func expectLine(t *testing.T, lines <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-lines:
		require.True(t, ok, "connection closed")
		return line
	case <-time.After(eventTimeout):
		t.Fatal("timeout waiting for push")
		return ""
	}
}

func expectNoLine(t *testing.T, lines <-chan string) {
	t.Helper()
	select {
	case line := <-lines:
		t.Fatalf("unexpected push %q", line)
	case <-time.After(quietPeriod):
	}
}

func TestCallLifecycle(t *testing.T) {
	f := newCallFixture(t)
	aliceLines := f.online(t, "alice")
	bobLines := f.online(t, "bob")
	// dave stays offline

	sess, err := f.calls.StartCall(f.convID, "alice", CallAudio)
	require.NoError(t, err)
	assert.Equal(t, CallRinging, sess.State())
	assert.Equal(t, 41000, sess.Port)
	assert.Equal(t, "relay.test:41000", sess.RelayAddr)
	assert.Equal(t, map[string]bool{"bob": false, "dave": false}, sess.Participants())
	assert.Equal(t, 1, f.relay.openCount())

	incoming := expectLine(t, bobLines)
	assert.Equal(t, "EVENT|CALL_INCOMING|"+sess.ID+"|"+formatID(f.convID)+"|alice|audio|relay.test:41000", incoming)

	rec, err := f.db.GetCall(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, database.CallStateRinging, rec.State)

	_, err = f.calls.AnswerCall(sess.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, CallActive, sess.State())
	assert.True(t, sess.Participants()["bob"])
	assert.Equal(t, "EVENT|CALL_ANSWERED|"+sess.ID+"|bob", expectLine(t, aliceLines))

	rec, err = f.db.GetCall(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, database.CallStateActive, rec.State)
	require.NotNil(t, rec.AnsweredAt)

	ended, err := f.calls.EndCall(sess.ID, "alice")
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, CallEnded, sess.State())
	assert.Equal(t, "EVENT|CALL_ENDED|"+sess.ID+"|alice", expectLine(t, bobLines))
	expectNoLine(t, aliceLines)

	_, ok := f.calls.Session(sess.ID)
	assert.False(t, ok)
	assert.Zero(t, f.ports.InUse())
	assert.Zero(t, f.relay.openCount())

	rec, err = f.db.GetCall(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, database.CallStateEnded, rec.State)
	require.NotNil(t, rec.EndedAt)

	// The freed port goes to the next call
	next, err := f.calls.StartCall(f.convID, "bob", CallVideo)
	require.NoError(t, err)
	assert.Equal(t, 41000, next.Port)
}

func TestCallUnknownSession(t *testing.T) {
	f := newCallFixture(t)

	_, err := f.calls.AnswerCall("missing", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.calls.RejectCall("missing", "bob"), ErrNotFound)

	ended, err := f.calls.EndCall("missing", "bob")
	assert.NoError(t, err)
	assert.False(t, ended)

	assert.Zero(t, f.calls.ActiveCount())
	assert.Zero(t, f.ports.InUse())
}

func TestCallPermissions(t *testing.T) {
	f := newCallFixture(t)

	_, err := f.calls.StartCall(f.convID, "eve", CallAudio)
	assert.ErrorIs(t, err, ErrPermission)
	assert.Zero(t, f.ports.InUse())

	_, err = f.calls.StartCall(f.convID+99, "alice", CallAudio)
	assert.ErrorIs(t, err, ErrNotFound)

	sess, err := f.calls.StartCall(f.convID, "alice", CallAudio)
	require.NoError(t, err)

	_, err = f.calls.AnswerCall(sess.ID, "eve")
	assert.ErrorIs(t, err, ErrPermission)
	// The caller is not an invitee
	_, err = f.calls.AnswerCall(sess.ID, "alice")
	assert.ErrorIs(t, err, ErrPermission)

	_, err = f.calls.EndCall(sess.ID, "eve")
	assert.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, CallRinging, sess.State())
}

func TestCallRejectRemovesInvitee(t *testing.T) {
	f := newCallFixture(t)
	aliceLines := f.online(t, "alice")

	sess, err := f.calls.StartCall(f.convID, "alice", CallVideo)
	require.NoError(t, err)

	require.NoError(t, f.calls.RejectCall(sess.ID, "dave"))
	assert.Equal(t, "EVENT|CALL_REJECTED|"+sess.ID+"|dave", expectLine(t, aliceLines))
	assert.Equal(t, map[string]bool{"bob": false}, sess.Participants())
	assert.Equal(t, CallRinging, sess.State())

	_, err = f.calls.AnswerCall(sess.ID, "dave")
	assert.ErrorIs(t, err, ErrPermission)
}

func TestCallEndNotifiesCallerWhenInviteeEnds(t *testing.T) {
	f := newCallFixture(t)
	aliceLines := f.online(t, "alice")
	bobLines := f.online(t, "bob")

	sess, err := f.calls.StartCall(f.convID, "alice", CallAudio)
	require.NoError(t, err)
	expectLine(t, bobLines)

	ended, err := f.calls.EndCall(sess.ID, "bob")
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, "EVENT|CALL_ENDED|"+sess.ID+"|bob", expectLine(t, aliceLines))
	expectNoLine(t, bobLines)

	// Second end is a no-op
	ended, err = f.calls.EndCall(sess.ID, "alice")
	require.NoError(t, err)
	assert.False(t, ended)
}

func TestCallPortExhaustion(t *testing.T) {
	f := newCallFixture(t)

	_, err := f.calls.StartCall(f.convID, "alice", CallAudio)
	require.NoError(t, err)
	_, err = f.calls.StartCall(f.convID, "bob", CallAudio)
	require.NoError(t, err)

	_, err = f.calls.StartCall(f.convID, "dave", CallAudio)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, 2, f.calls.ActiveCount())
}

func TestCallStartRollsBackOnFailure(t *testing.T) {
	f := newCallFixture(t)

	f.relay.openErr = errors.New("bind failed")
	_, err := f.calls.StartCall(f.convID, "alice", CallAudio)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Zero(t, f.ports.InUse())
	f.relay.openErr = nil

	f.db.failCreate = true
	_, err = f.calls.StartCall(f.convID, "alice", CallAudio)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Zero(t, f.ports.InUse())
	assert.Zero(t, f.relay.openCount())
	assert.Zero(t, f.calls.ActiveCount())
}

func TestCallShutdownFreesEverything(t *testing.T) {
	f := newCallFixture(t)

	s1, err := f.calls.StartCall(f.convID, "alice", CallAudio)
	require.NoError(t, err)
	_, err = f.calls.StartCall(f.convID, "bob", CallVideo)
	require.NoError(t, err)

	f.calls.Shutdown()
	assert.Zero(t, f.calls.ActiveCount())
	assert.Zero(t, f.ports.InUse())
	assert.Zero(t, f.relay.openCount())
	assert.Equal(t, CallEnded, s1.State())
}

func TestParseCallType(t *testing.T) {
	ct, err := ParseCallType("video")
	require.NoError(t, err)
	assert.Equal(t, CallVideo, ct)

	_, err = ParseCallType("hologram")
	assert.Equal(t, "PROTOCOL", errorCode(err))
}

func TestCallSkipsUnbindablePort(t *testing.T) {
	f := newCallFixture(t)
	f.relay.busy[41000] = true

	sess, err := f.calls.StartCall(f.convID, "alice", CallAudio)
	require.NoError(t, err)
	assert.Equal(t, 41001, sess.Port)
	assert.Equal(t, 1, f.ports.InUse())

	// The range is now full: one port serves a call, the other cannot open
	_, err = f.calls.StartCall(f.convID, "bob", CallAudio)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, 1, f.ports.InUse())

	// Once the port frees up it is used again
	f.relay.busy[41000] = false
	next, err := f.calls.StartCall(f.convID, "bob", CallAudio)
	require.NoError(t, err)
	assert.Equal(t, 41000, next.Port)
}

func TestCallSkipsPortHeldByAnotherProcess(t *testing.T) {
	squatter, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer squatter.Close()
	held := squatter.LocalAddr().(*net.UDPAddr).Port
	if held+2 > 65535 {
		t.Skip("kernel picked a port at the top of the range")
	}

	db := database.NewMemDB()
	for _, u := range []string{"alice", "bob"} {
		_, err := db.CreateUser(u, "hash", u)
		require.NoError(t, err)
	}
	conv, err := db.CreateConversation("pair", "alice", []string{"bob"})
	require.NoError(t, err)

	ports, err := NewPortAllocator(held, held+2)
	require.NoError(t, err)
	relays := relay.NewManager("127.0.0.1", zerolog.Nop())
	defer relays.CloseAll()
	calls := NewCallManager(db, NewRouter(NewRegistry(), nil, zerolog.Nop()), ports, relays, "127.0.0.1", nil, zerolog.Nop())

	sess, err := calls.StartCall(conv.ID, "alice", CallAudio)
	require.NoError(t, err)
	assert.NotEqual(t, held, sess.Port)
	assert.Equal(t, 1, ports.InUse())
	assert.Equal(t, 1, relays.Len())

	ended, err := calls.EndCall(sess.ID, "alice")
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Zero(t, relays.Len())
}
