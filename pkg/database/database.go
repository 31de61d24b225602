package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow multiple readers in WAL mode
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create dedicated write connection (single connection, no pooling)
	writeConn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0) // Never expire

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// dsn appends per-connection pragmas so every pooled connection gets them
func dsn(path string) string {
	return path + "?_pragma=journal_mode(WAL)" +
		// Wait and retry instead of immediately failing with SQLITE_BUSY
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Conversation (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ConversationMember (
	conversation_id INTEGER NOT NULL,
	username TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, username),
	FOREIGN KEY (conversation_id) REFERENCES Conversation(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS Message (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL,
	sender TEXT NOT NULL,
	kind TEXT NOT NULL,
	body TEXT NOT NULL,
	sent_at INTEGER NOT NULL,
	FOREIGN KEY (conversation_id) REFERENCES Conversation(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS ReadState (
	conversation_id INTEGER NOT NULL,
	username TEXT NOT NULL,
	message_id INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, username)
);

CREATE TABLE IF NOT EXISTS CallHistory (
	id TEXT PRIMARY KEY,
	conversation_id INTEGER NOT NULL,
	caller TEXT NOT NULL,
	call_type TEXT NOT NULL,
	state TEXT NOT NULL,
	relay_port INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	answered_at INTEGER,
	ended_at INTEGER
);

CREATE TABLE IF NOT EXISTS DeletionMark (
	conversation_id INTEGER NOT NULL,
	username TEXT NOT NULL,
	marked_at INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, username)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON Message(conversation_id, sent_at);
CREATE INDEX IF NOT EXISTS idx_members_username ON ConversationMember(username);
`

	_, err := db.writeConn.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateUser inserts a new account
func (db *DB) CreateUser(username, passwordHash, displayName string) (*User, error) {
	now := nowMillis()
	result, err := db.writeConn.Exec(`
		INSERT INTO User (username, display_name, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, username, displayName, passwordHash, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %s: %w", username, ErrConflict)
		}
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &User{
		ID:           id,
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		CreatedAt:    now,
	}, nil
}

// GetUser retrieves a user by username for login validation
func (db *DB) GetUser(username string) (*User, error) {
	var user User
	err := db.conn.QueryRow(`
		SELECT id, username, display_name, password_hash, created_at
		FROM User
		WHERE username = ?
	`, username).Scan(&user.ID, &user.Username, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
		}
		return nil, err
	}
	return &user, nil
}

// CreateConversation inserts a conversation and its members in one
// transaction. Every member must already exist.
func (db *DB) CreateConversation(title, createdBy string, members []string) (*Conversation, error) {
	all := dedupeMembers(createdBy, members)
	now := nowMillis()

	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, member := range all {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM User WHERE username = ?`, member).Scan(&exists); err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, fmt.Errorf("member %s: %w", member, ErrNotFound)
		}
	}

	result, err := tx.Exec(`
		INSERT INTO Conversation (title, created_by, created_at)
		VALUES (?, ?, ?)
	`, title, createdBy, now)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	for i, member := range all {
		if _, err := tx.Exec(`
			INSERT INTO ConversationMember (conversation_id, username, position)
			VALUES (?, ?, ?)
		`, id, member, i); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Conversation{
		ID:        id,
		Title:     title,
		CreatedBy: createdBy,
		CreatedAt: now,
		Members:   all,
	}, nil
}

// GetConversation retrieves a conversation with its members
func (db *DB) GetConversation(id int64) (*Conversation, error) {
	var c Conversation
	err := db.conn.QueryRow(`
		SELECT id, title, created_by, created_at
		FROM Conversation
		WHERE id = ?
	`, id).Scan(&c.ID, &c.Title, &c.CreatedBy, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
		}
		return nil, err
	}

	members, err := db.members(id)
	if err != nil {
		return nil, err
	}
	c.Members = members
	return &c, nil
}

func (db *DB) members(conversationID int64) ([]string, error) {
	rows, err := db.conn.Query(`
		SELECT username FROM ConversationMember
		WHERE conversation_id = ?
		ORDER BY position ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListConversations returns every conversation username belongs to
func (db *DB) ListConversations(username string) ([]*Conversation, error) {
	rows, err := db.conn.Query(`
		SELECT c.id, c.title, c.created_by, c.created_at
		FROM Conversation c
		JOIN ConversationMember m ON m.conversation_id = c.id
		WHERE m.username = ?
		ORDER BY c.id ASC
	`, username)
	if err != nil {
		return nil, err
	}

	var conversations []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedBy, &c.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		conversations = append(conversations, &c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Members are loaded after the cursor is closed
	for _, c := range conversations {
		members, err := db.members(c.ID)
		if err != nil {
			return nil, err
		}
		c.Members = members
	}
	return conversations, nil
}

// CreateMessage inserts msg and assigns its ID
func (db *DB) CreateMessage(msg *Message) error {
	result, err := db.writeConn.Exec(`
		INSERT INTO Message (conversation_id, sender, kind, body, sent_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ConversationID, msg.Sender, msg.Kind, msg.Body, msg.SentAt)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("conversation %d: %w", msg.ConversationID, ErrNotFound)
		}
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	return nil
}

// ListMessages returns up to limit most recent messages with sent_at >=
// sinceMillis, oldest first
func (db *DB) ListMessages(conversationID int64, sinceMillis int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := db.conn.Query(`
		SELECT id, conversation_id, sender, kind, body, sent_at FROM (
			SELECT id, conversation_id, sender, kind, body, sent_at
			FROM Message
			WHERE conversation_id = ? AND sent_at >= ?
			ORDER BY sent_at DESC, id DESC
			LIMIT ?
		) ORDER BY sent_at ASC, id ASC
	`, conversationID, sinceMillis, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Kind, &m.Body, &m.SentAt); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// LatestMessageAt returns the send time of the newest message
func (db *DB) LatestMessageAt(conversationID int64) (int64, bool, error) {
	var latest sql.NullInt64
	err := db.conn.QueryRow(`
		SELECT MAX(sent_at) FROM Message WHERE conversation_id = ?
	`, conversationID).Scan(&latest)
	if err != nil {
		return 0, false, err
	}
	if !latest.Valid {
		return 0, false, nil
	}
	return latest.Int64, true, nil
}

// MarkRead records the highest message id username has read
func (db *DB) MarkRead(conversationID int64, username string, messageID int64) error {
	var exists int
	if err := db.conn.QueryRow(`
		SELECT COUNT(1) FROM Message WHERE id = ? AND conversation_id = ?
	`, messageID, conversationID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}

	_, err := db.writeConn.Exec(`
		INSERT INTO ReadState (conversation_id, username, message_id)
		VALUES (?, ?, ?)
		ON CONFLICT (conversation_id, username)
		DO UPDATE SET message_id = MAX(message_id, excluded.message_id)
	`, conversationID, username, messageID)
	return err
}

// CreateCall inserts a call history record
func (db *DB) CreateCall(rec *CallRecord) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO CallHistory (id, conversation_id, caller, call_type, state, relay_port, started_at, answered_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ConversationID, rec.Caller, rec.CallType, rec.State, rec.RelayPort, rec.StartedAt,
		nullInt64(rec.AnsweredAt), nullInt64(rec.EndedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("call %s: %w", rec.ID, ErrConflict)
	}
	return err
}

// UpdateCall updates the mutable columns of a call history record
func (db *DB) UpdateCall(rec *CallRecord) error {
	result, err := db.writeConn.Exec(`
		UPDATE CallHistory SET state = ?, answered_at = ?, ended_at = ?
		WHERE id = ?
	`, rec.State, nullInt64(rec.AnsweredAt), nullInt64(rec.EndedAt), rec.ID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("call %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// GetCall retrieves a call history record
func (db *DB) GetCall(id string) (*CallRecord, error) {
	var rec CallRecord
	var answeredAt, endedAt sql.NullInt64
	err := db.conn.QueryRow(`
		SELECT id, conversation_id, caller, call_type, state, relay_port, started_at, answered_at, ended_at
		FROM CallHistory WHERE id = ?
	`, id).Scan(&rec.ID, &rec.ConversationID, &rec.Caller, &rec.CallType, &rec.State, &rec.RelayPort,
		&rec.StartedAt, &answeredAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("call %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if answeredAt.Valid {
		rec.AnsweredAt = &answeredAt.Int64
	}
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Int64
	}
	return &rec, nil
}

// SaveDeletionMark upserts a watermark
func (db *DB) SaveDeletionMark(conversationID int64, username string, atMillis int64) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO DeletionMark (conversation_id, username, marked_at)
		VALUES (?, ?, ?)
		ON CONFLICT (conversation_id, username)
		DO UPDATE SET marked_at = excluded.marked_at
	`, conversationID, username, atMillis)
	return err
}

// DeleteDeletionMark removes a watermark (no error if absent)
func (db *DB) DeleteDeletionMark(conversationID int64, username string) error {
	_, err := db.writeConn.Exec(`
		DELETE FROM DeletionMark WHERE conversation_id = ? AND username = ?
	`, conversationID, username)
	return err
}

// ListDeletionMarks returns all stored watermarks
func (db *DB) ListDeletionMarks() ([]DeletionMark, error) {
	rows, err := db.conn.Query(`SELECT conversation_id, username, marked_at FROM DeletionMark`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var marks []DeletionMark
	for rows.Next() {
		var m DeletionMark
		if err := rows.Scan(&m.ConversationID, &m.Username, &m.At); err != nil {
			return nil, err
		}
		marks = append(marks, m)
	}
	return marks, rows.Err()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
