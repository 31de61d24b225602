// Package client speaks the huddle wire protocol. It is a thin
// request/response wrapper used by tests and tooling.
package client

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/huddle/pkg/protocol"
)

// DefaultTimeout bounds how long Request waits for a reply
const DefaultTimeout = 5 * time.Second

// replies can be long (history pages), so the client reads with a larger
// record limit than the server accepts
const maxReplyRecord = 4 * 1024 * 1024

// ErrClosed is returned once the connection is gone
var ErrClosed = errors.New("connection closed")

// ServerError is an ERR reply
type ServerError struct {
	Verb    string
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s failed: %s: %s", e.Verb, e.Code, e.Message)
}

// Client is one connection to a server. Replies (OK, ERR) and pushes
// (EVENT) are read by a background loop and routed to separate queues.
type Client struct {
	conn    net.Conn
	reader  *protocol.Reader
	timeout time.Duration

	sendMu sync.Mutex

	mu     sync.RWMutex
	closed bool

	responses chan protocol.Record
	events    chan protocol.Record
	closing   chan struct{} // closed by Close
	done      chan struct{}
}

// Dial connects to addr and starts the receive loop
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c := &Client{
		conn:      conn,
		reader:    protocol.NewReader(conn, maxReplyRecord),
		timeout:   DefaultTimeout,
		responses: make(chan protocol.Record, 16),
		events:    make(chan protocol.Record, 256),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

// SetTimeout changes the reply timeout
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closing)
	return c.conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Done is closed when the server side of the connection goes away
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// receiveLoop routes OK and ERR records to the reply queue and EVENT
// records to the event queue. A full event queue drops its oldest entry.
func (c *Client) receiveLoop() {
	defer close(c.done)

	for {
		rec, err := c.reader.ReadRecord()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				continue
			}
			return
		}

		switch rec.Verb {
		case protocol.VerbEvent:
			select {
			case c.events <- rec:
			default:
				select {
				case <-c.events:
				default:
				}
				c.events <- rec
			}
		default:
			select {
			case c.responses <- rec:
			case <-c.closing:
				return
			}
		}
	}
}

// SendRaw writes bytes as-is
func (c *Client) SendRaw(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Send writes one record without waiting for its reply
func (c *Client) Send(verb string, fields ...string) error {
	line, err := protocol.Encode(verb, fields...)
	if err != nil {
		return err
	}
	return c.SendRaw(line)
}

// WaitReply returns the next OK or ERR record. ERR replies are returned
// as the record and a *ServerError.
func (c *Client) WaitReply() (protocol.Record, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case rec := <-c.responses:
		return rec, replyError(rec)
	case <-c.done:
		// A reply written just before the close may still be queued
		select {
		case rec := <-c.responses:
			return rec, replyError(rec)
		default:
			return protocol.Record{}, ErrClosed
		}
	case <-timer.C:
		return protocol.Record{}, fmt.Errorf("timeout waiting for reply")
	}
}

func replyError(rec protocol.Record) error {
	if rec.Verb != protocol.VerbError {
		return nil
	}
	return &ServerError{Verb: rec.Field(0), Code: rec.Field(1), Message: rec.Field(2)}
}

// Request sends a record and waits for its reply. On success the
// returned fields are those after OK|VERB.
func (c *Client) Request(verb string, fields ...string) ([]string, error) {
	if err := c.Send(verb, fields...); err != nil {
		return nil, err
	}
	rec, err := c.WaitReply()
	if err != nil {
		return nil, err
	}
	if rec.Field(0) != verb {
		return nil, fmt.Errorf("reply for %s, expected %s", rec.Field(0), verb)
	}
	return rec.Fields[1:], nil
}

// Upload sends an UPLOAD record followed by data and waits for the reply
func (c *Client) Upload(conversationID int64, name string, data []byte) ([]string, error) {
	line, err := protocol.Encode(protocol.VerbUpload, strconv.FormatInt(conversationID, 10), name, strconv.Itoa(len(data)))
	if err != nil {
		return nil, err
	}
	if err := c.SendRaw(append(line, data...)); err != nil {
		return nil, err
	}
	rec, err := c.WaitReply()
	if err != nil {
		return nil, err
	}
	return rec.Fields[1:], nil
}

// NextEvent waits for the next EVENT record
func (c *Client) NextEvent(timeout time.Duration) (protocol.Record, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rec := <-c.events:
		return rec, nil
	case <-timer.C:
		return protocol.Record{}, fmt.Errorf("timeout waiting for event")
	}
}

// WaitEvent skips events until one named name arrives
func (c *Client) WaitEvent(name string, timeout time.Duration) (protocol.Record, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Record{}, fmt.Errorf("timeout waiting for %s event", name)
		}
		rec, err := c.NextEvent(remaining)
		if err != nil {
			return protocol.Record{}, fmt.Errorf("timeout waiting for %s event", name)
		}
		if rec.Field(0) == name {
			return rec, nil
		}
	}
}

// DrainEvents discards queued events and returns how many there were
func (c *Client) DrainEvents() int {
	n := 0
	for {
		select {
		case <-c.events:
			n++
		default:
			return n
		}
	}
}

// Register creates an account
func (c *Client) Register(username, password, displayName string) error {
	_, err := c.Request(protocol.VerbRegister, username, password, displayName)
	return err
}

// Login authenticates the connection and returns the display name
func (c *Client) Login(username, password string) (string, error) {
	fields, err := c.Request(protocol.VerbLogin, username, password)
	if err != nil {
		return "", err
	}
	if len(fields) < 2 {
		return "", fmt.Errorf("short LOGIN reply")
	}
	return fields[1], nil
}

// CreateConversation returns the id of a new conversation
func (c *Client) CreateConversation(title string, members ...string) (int64, error) {
	fields, err := c.Request(protocol.VerbCreateConversation, title, strings.Join(members, ","))
	if err != nil {
		return 0, err
	}
	if len(fields) < 1 {
		return 0, fmt.Errorf("short CREATE_CONVERSATION reply")
	}
	return strconv.ParseInt(fields[0], 10, 64)
}

// SendMessage posts text and returns the message id
func (c *Client) SendMessage(conversationID int64, text string) (int64, error) {
	fields, err := c.Request(protocol.VerbSendMessage, strconv.FormatInt(conversationID, 10), text)
	if err != nil {
		return 0, err
	}
	if len(fields) < 2 {
		return 0, fmt.Errorf("short SEND_MESSAGE reply")
	}
	return strconv.ParseInt(fields[0], 10, 64)
}
