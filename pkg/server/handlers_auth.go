package server

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/aeolun/huddle/pkg/protocol"
	"golang.org/x/crypto/bcrypt"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,20}$`)

const (
	minPasswordLength = 6
	maxPasswordLength = 72 // bcrypt ignores anything longer
	maxDisplayName    = 64
)

func (d *dispatcher) handlePing(cmd command) ([]string, error) {
	return nil, nil
}

// handleRegister creates an account. It does not log the connection in.
func (d *dispatcher) handleRegister(cmd command) ([]string, error) {
	username, password, displayName := cmd.Fields[0], cmd.Fields[1], cmd.Fields[2]

	if !usernameRegex.MatchString(username) {
		return nil, protocolError("username must be 3-20 characters of letters, digits, _ or -")
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return nil, protocolError("password must be %d-%d bytes", minPasswordLength, maxPasswordLength)
	}
	if displayName == "" {
		displayName = username
	}
	if utf8.RuneCountInString(displayName) > maxDisplayName {
		return nil, protocolError("display name longer than %d characters", maxDisplayName)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.s.config.PasswordCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if _, err := d.s.store.CreateUser(username, string(hash), displayName); err != nil {
		return nil, storeError("CreateUser", err)
	}

	d.logger.Info().Str("user", username).Msg("user registered")
	return []string{username}, nil
}

// handleLogin authenticates the connection and registers it for the user.
// The latest login wins; a replaced connection is left open.
func (d *dispatcher) handleLogin(cmd command) ([]string, error) {
	if d.state == stateAuthenticated {
		return nil, protocolError("already logged in as %s", d.user)
	}
	username, password := cmd.Fields[0], cmd.Fields[1]

	user, err := d.s.store.GetUser(username)
	if err != nil {
		err = storeError("GetUser", err)
		if errors.Is(err, ErrNotFound) {
			return nil, ErrAuthFailed
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		d.logger.Debug().Str("user", username).Msg("password verification failed")
		return nil, ErrAuthFailed
	}

	d.user = user.Username
	d.state = stateAuthenticated
	d.conn.setUserID(user.Username)
	d.logger = d.logger.With().Str("user", user.Username).Logger()

	prev := d.s.registry.Register(user.Username, d.conn)
	d.s.metrics.RecordAuthenticatedUsers(d.s.registry.Count())
	if prev != nil {
		d.logger.Info().Uint64("previous_conn", prev.ID).Msg("login replaced previous connection")
	} else {
		d.s.broadcastPresence(user.Username, protocol.PresenceOnline)
	}

	d.logger.Info().Msg("user logged in")
	return []string{user.Username, user.DisplayName}, nil
}

// handleQuit serves QUIT and LOGOUT: reply, then close
func (d *dispatcher) handleQuit(cmd command) ([]string, error) {
	return nil, ErrClientDisconnecting
}

func (d *dispatcher) handlePresence(cmd command) ([]string, error) {
	username := cmd.Fields[0]
	if _, err := d.s.store.GetUser(username); err != nil {
		return nil, storeError("GetUser", err)
	}
	status := protocol.PresenceOffline
	if d.s.registry.IsOnline(username) {
		status = protocol.PresenceOnline
	}
	return []string{username, status}, nil
}
