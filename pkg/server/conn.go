package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/aeolun/huddle/pkg/protocol"
)

var errConnClosed = errors.New("connection closed")

// Conn is one client connection. Every write goes through the send lock
// so that replies from the dispatcher and pushes from other goroutines
// never interleave on the wire. Reads are only done by the connection's
// own dispatcher.
type Conn struct {
	ID uint64

	conn   net.Conn
	reader *protocol.Reader

	mu        sync.Mutex // Protects writes to conn
	alive     atomic.Bool
	closeOnce sync.Once

	userMu sync.RWMutex
	userID string
}

// NewConn wraps c. maxRecord bounds the length of one record line and
// maxSegment the length of one binary segment.
func NewConn(id uint64, c net.Conn, maxRecord int, maxSegment int64) *Conn {
	reader := protocol.NewReader(c, maxRecord)
	reader.SetMaxSegment(maxSegment)
	sc := &Conn{
		ID:     id,
		conn:   c,
		reader: reader,
	}
	sc.alive.Store(true)
	return sc
}

// Send encodes and writes one record
func (c *Conn) Send(rec protocol.Record) error {
	line, err := protocol.EncodeRecord(rec)
	if err != nil {
		return err
	}
	return c.WriteEncoded(line)
}

// WriteEncoded writes a pre-encoded record. Used by broadcasts that
// encode once for many targets.
func (c *Conn) WriteEncoded(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.alive.Load() {
		return errConnClosed
	}
	_, err := c.conn.Write(line)
	return err
}

// ReadRecord reads the next record
func (c *Conn) ReadRecord() (protocol.Record, error) {
	return c.reader.ReadRecord()
}

// ReadSegment reads exactly n bytes following a payload record
func (c *Conn) ReadSegment(n int64) ([]byte, error) {
	return c.reader.ReadSegment(n)
}

// DiscardSegment skips exactly n bytes following a payload record
func (c *Conn) DiscardSegment(n int64) error {
	return c.reader.DiscardSegment(n)
}

// Close marks the connection dead and closes the socket. Safe to call
// from any goroutine, any number of times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		err = c.conn.Close()
	})
	return err
}

// Alive reports whether Close has not been called yet
func (c *Conn) Alive() bool {
	return c.alive.Load()
}

// UserID returns the authenticated identity, empty before login
func (c *Conn) UserID() string {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.userID
}

func (c *Conn) setUserID(userID string) {
	c.userMu.Lock()
	c.userID = userID
	c.userMu.Unlock()
}

// RemoteAddr returns the remote network address
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
