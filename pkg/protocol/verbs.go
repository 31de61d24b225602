package protocol

import (
	"fmt"
	"strconv"
)

// Command verbs (Client → Server)
const (
	VerbPing                = "PING"
	VerbRegister            = "REGISTER"
	VerbLogin               = "LOGIN"
	VerbQuit                = "QUIT"
	VerbLogout              = "LOGOUT"
	VerbPresence            = "PRESENCE"
	VerbCreateConversation  = "CREATE_CONVERSATION"
	VerbListConversations   = "LIST_CONVERSATIONS"
	VerbListMessages        = "LIST_MESSAGES"
	VerbSendMessage         = "SEND_MESSAGE"
	VerbTyping              = "TYPING"
	VerbRead                = "READ"
	VerbDeleteConversation  = "DELETE_CONVERSATION"
	VerbRestoreConversation = "RESTORE_CONVERSATION"
	VerbUpload              = "UPLOAD"
	VerbCallStart           = "CALL_START"
	VerbCallAnswer          = "CALL_ANSWER"
	VerbCallReject          = "CALL_REJECT"
	VerbCallEnd             = "CALL_END"
)

// Envelope verbs (Server → Client)
const (
	VerbOK    = "OK"
	VerbError = "ERR"
	VerbEvent = "EVENT"
)

// Event names carried in EVENT records
const (
	EventPresence     = "PRESENCE"
	EventConversation = "CONVERSATION"
	EventMessage      = "MESSAGE"
	EventTyping       = "TYPING"
	EventRead         = "READ"
	EventCallIncoming = "CALL_INCOMING"
	EventCallAnswered = "CALL_ANSWERED"
	EventCallRejected = "CALL_REJECTED"
	EventCallEnded    = "CALL_ENDED"
)

// Error codes carried in ERR records
const (
	CodeProtocol        = "PROTOCOL"
	CodeTransfer        = "TRANSFER"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeAuthFailed      = "AUTH_FAILED"
	CodeConflict        = "CONFLICT"
	CodeNotFound        = "NOT_FOUND"
	CodePermission      = "PERMISSION"
	CodePersistence     = "PERSISTENCE"
	CodeExhausted       = "EXHAUSTED"
	CodeInternal        = "INTERNAL"
)

// Presence states
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// payloadLengthField maps verbs that are followed by a raw binary segment
// to the index of the field declaring its byte length.
var payloadLengthField = map[string]int{
	VerbUpload: 2, // UPLOAD|conversationId|fileName|byteLength
}

// CarriesPayload reports whether verb is followed by a binary segment.
func CarriesPayload(verb string) bool {
	_, ok := payloadLengthField[verb]
	return ok
}

// PayloadLength returns the declared segment length for payload verbs.
// ok is false for verbs without a segment. A payload verb whose length
// field is missing or invalid yields ErrTransfer: the position of the
// next record can no longer be determined.
func PayloadLength(r Record) (n int64, ok bool, err error) {
	idx, ok := payloadLengthField[r.Verb]
	if !ok {
		return 0, false, nil
	}
	if idx >= len(r.Fields) {
		return 0, true, fmt.Errorf("%w: %s missing length field", ErrTransfer, r.Verb)
	}
	n, err = strconv.ParseInt(r.Fields[idx], 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %s invalid length %q", ErrTransfer, r.Verb, r.Fields[idx])
	}
	if n < 0 {
		return 0, true, fmt.Errorf("%w: %s negative length %d", ErrTransfer, r.Verb, n)
	}
	return n, true, nil
}

// OK builds a success reply for verb.
func OK(verb string, fields ...string) Record {
	return Record{Verb: VerbOK, Fields: append([]string{verb}, fields...)}
}

// Err builds an error reply for verb. The message is sanitized.
func Err(verb, code, message string) Record {
	if verb == "" {
		verb = "?"
	}
	return Record{Verb: VerbError, Fields: []string{Sanitize(verb), code, Sanitize(message)}}
}

// Event builds a server push record.
func Event(name string, fields ...string) Record {
	return Record{Verb: VerbEvent, Fields: append([]string{name}, fields...)}
}
