package server

import (
	"errors"
	"io"
	"net"

	"github.com/aeolun/huddle/pkg/protocol"
	"github.com/rs/zerolog"
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// command is a decoded record plus its binary segment, if the verb
// carries one
type command struct {
	protocol.Record
	payload []byte
}

// handlerFunc returns the reply fields that follow OK|VERB
type handlerFunc func(d *dispatcher, cmd command) ([]string, error)

type route struct {
	fn     handlerFunc
	public bool // accepted before login
	arity  int  // exact field count
}

var routes = map[string]route{
	protocol.VerbPing:                {(*dispatcher).handlePing, true, 0},
	protocol.VerbRegister:            {(*dispatcher).handleRegister, true, 3},
	protocol.VerbLogin:               {(*dispatcher).handleLogin, true, 2},
	protocol.VerbQuit:                {(*dispatcher).handleQuit, true, 0},
	protocol.VerbLogout:              {(*dispatcher).handleQuit, false, 0},
	protocol.VerbPresence:            {(*dispatcher).handlePresence, false, 1},
	protocol.VerbCreateConversation:  {(*dispatcher).handleCreateConversation, false, 2},
	protocol.VerbListConversations:   {(*dispatcher).handleListConversations, false, 0},
	protocol.VerbListMessages:        {(*dispatcher).handleListMessages, false, 2},
	protocol.VerbSendMessage:         {(*dispatcher).handleSendMessage, false, 2},
	protocol.VerbTyping:              {(*dispatcher).handleTyping, false, 1},
	protocol.VerbRead:                {(*dispatcher).handleRead, false, 2},
	protocol.VerbDeleteConversation:  {(*dispatcher).handleDeleteConversation, false, 1},
	protocol.VerbRestoreConversation: {(*dispatcher).handleRestoreConversation, false, 1},
	protocol.VerbUpload:              {(*dispatcher).handleUpload, false, 3},
	protocol.VerbCallStart:           {(*dispatcher).handleCallStart, false, 2},
	protocol.VerbCallAnswer:          {(*dispatcher).handleCallAnswer, false, 1},
	protocol.VerbCallReject:          {(*dispatcher).handleCallReject, false, 1},
	protocol.VerbCallEnd:             {(*dispatcher).handleCallEnd, false, 1},
}

// dispatcher runs the command loop of one connection. Only its own
// goroutine touches state and user.
type dispatcher struct {
	s      *Server
	conn   *Conn
	state  connState
	user   string
	logger zerolog.Logger
}

func newDispatcher(s *Server, conn *Conn) *dispatcher {
	return &dispatcher{
		s:      s,
		conn:   conn,
		state:  stateUnauthenticated,
		logger: s.logger.With().Uint64("conn", conn.ID).Logger(),
	}
}

// run reads commands until the connection fails or the client leaves
func (d *dispatcher) run() {
	defer d.close()

	for {
		rec, err := d.conn.ReadRecord()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				if d.replyError("", err) != nil {
					return
				}
				continue
			}
			d.logReadError(err)
			return
		}

		d.s.metrics.RecordCommand(metricVerb(rec.Verb))
		cmd := command{Record: rec}

		// The segment is consumed before auth or validation so the
		// stream stays positioned on the next record.
		n, hasPayload, err := protocol.PayloadLength(rec)
		if err != nil {
			d.logger.Warn().Err(err).Msg("unreadable segment length, closing")
			d.replyError(rec.Verb, err)
			return
		}
		if hasPayload {
			if n > d.s.config.MaxUploadBytes {
				if err := d.conn.DiscardSegment(n); err != nil {
					d.logger.Debug().Err(err).Msg("discard failed")
					return
				}
				if d.replyError(rec.Verb, protocolError("segment of %d bytes exceeds limit of %d", n, d.s.config.MaxUploadBytes)) != nil {
					return
				}
				continue
			}
			data, err := d.conn.ReadSegment(n)
			if err != nil {
				d.logger.Debug().Err(err).Int64("declared", n).Msg("segment read failed")
				return
			}
			d.s.metrics.RecordBinaryBytes(n)
			cmd.payload = data
		}

		if err := d.dispatch(cmd); err != nil {
			if !errors.Is(err, ErrClientDisconnecting) {
				d.logger.Debug().Err(err).Msg("reply write failed")
			}
			return
		}
	}
}

// dispatch routes cmd and writes its reply. A returned error ends the
// connection.
func (d *dispatcher) dispatch(cmd command) error {
	r, ok := routes[cmd.Verb]
	if !ok {
		return d.replyError(cmd.Verb, protocolError("unknown verb %s", cmd.Verb))
	}
	if !r.public && d.state != stateAuthenticated {
		return d.replyError(cmd.Verb, ErrUnauthenticated)
	}
	if len(cmd.Fields) != r.arity {
		return d.replyError(cmd.Verb, protocolError("%s expects %d fields, got %d", cmd.Verb, r.arity, len(cmd.Fields)))
	}

	fields, err := r.fn(d, cmd)
	if errors.Is(err, ErrClientDisconnecting) {
		d.conn.Send(protocol.OK(cmd.Verb))
		return err
	}
	if err != nil {
		return d.replyError(cmd.Verb, err)
	}
	return d.conn.Send(protocol.OK(cmd.Verb, fields...))
}

// metricVerb keeps client-chosen verbs out of metric labels
func metricVerb(verb string) string {
	if _, ok := routes[verb]; ok {
		return verb
	}
	return "unknown"
}

func (d *dispatcher) replyError(verb string, err error) error {
	code := errorCode(err)
	d.s.metrics.RecordError(code)

	ev := d.logger.Debug()
	if code == protocol.CodeInternal || code == protocol.CodePersistence {
		ev = d.logger.Error()
	}
	ev.Err(err).Str("verb", verb).Str("code", code).Msg("command failed")

	return d.conn.Send(protocol.Err(verb, code, errorMessage(code, err)))
}

func (d *dispatcher) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		d.logger.Debug().Msg("client disconnected")
	case errors.Is(err, net.ErrClosed):
		d.logger.Debug().Msg("connection closed")
	case errors.Is(err, protocol.ErrRecordTooLarge):
		d.logger.Warn().Msg("record too large, closing")
	default:
		d.logger.Debug().Err(err).Msg("read error")
	}
}

// close ends the connection and, if it still owned the user's registry
// entry, tells co-members the user went offline
func (d *dispatcher) close() {
	d.state = stateClosed
	d.conn.Close()

	if d.user == "" {
		return
	}
	if d.s.registry.Unregister(d.user, d.conn) {
		d.s.metrics.RecordAuthenticatedUsers(d.s.registry.Count())
		d.s.broadcastPresence(d.user, protocol.PresenceOffline)
		d.logger.Info().Msg("user offline")
	}
}
