package server

import (
	"errors"
	"fmt"

	"github.com/aeolun/huddle/pkg/database"
	"github.com/aeolun/huddle/pkg/protocol"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrPermission        = errors.New("permission denied")
	ErrPersistence       = errors.New("persistence failure")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrUnauthenticated   = errors.New("not authenticated")
	ErrAuthFailed        = errors.New("invalid credentials")
	ErrConflict          = errors.New("conflict")

	// ErrClientDisconnecting is returned by handlers that close the
	// connection after their reply (QUIT, LOGOUT)
	ErrClientDisconnecting = errors.New("client disconnecting")
)

// storeError translates a durable store failure for op into a server error
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, database.ErrConflict):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
	}
}

// errorCode maps an error to its wire code
func errorCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		return protocol.CodeProtocol
	case errors.Is(err, protocol.ErrTransfer):
		return protocol.CodeTransfer
	case errors.Is(err, ErrUnauthenticated):
		return protocol.CodeUnauthenticated
	case errors.Is(err, ErrAuthFailed):
		return protocol.CodeAuthFailed
	case errors.Is(err, ErrConflict):
		return protocol.CodeConflict
	case errors.Is(err, ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, ErrPermission):
		return protocol.CodePermission
	case errors.Is(err, ErrPersistence):
		return protocol.CodePersistence
	case errors.Is(err, ErrResourceExhausted):
		return protocol.CodeExhausted
	default:
		return protocol.CodeInternal
	}
}

// errorMessage is the text sent to the client for err. Internal failures
// are not described on the wire.
func errorMessage(code string, err error) string {
	if code == protocol.CodeInternal {
		return "internal error"
	}
	return err.Error()
}

// protocolError builds a ProtocolError for a malformed command
func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", protocol.ErrMalformed, fmt.Sprintf(format, args...))
}
