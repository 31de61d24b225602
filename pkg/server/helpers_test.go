package server

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/aeolun/huddle/pkg/client"
	"github.com/aeolun/huddle/pkg/database"
	"github.com/aeolun/huddle/pkg/protocol"
	"github.com/aeolun/huddle/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testPassword = "correct-horse"
	eventTimeout = 2 * time.Second
	quietPeriod  = 150 * time.Millisecond
)

func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.BindAddress = "127.0.0.1"
	cfg.MetricsPort = 0
	cfg.DatabaseDriver = DriverMemory
	cfg.PasswordCost = bcrypt.MinCost
	cfg.RelayPublicHost = "127.0.0.1"
	cfg.RelayPortMin = 41000
	cfg.RelayPortMax = 41009
	return cfg
}

type testServer struct {
	*Server
	db       *database.MemDB
	uploader *storage.DiskUploader
}

// startServer runs a server on a loopback port with an in-memory store
func startServer(t *testing.T, mutate ...func(*ServerConfig)) *testServer {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	db := database.NewMemDB()
	uploader, err := storage.NewDiskUploader(filepath.Join(t.TempDir(), "uploads"), "http://files.test")
	require.NoError(t, err)

	srv, err := NewServer(cfg, db, uploader, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return &testServer{Server: srv, db: db, uploader: uploader}
}

func (ts *testServer) dial(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.Dial(ts.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// user registers name and returns a logged-in client
func (ts *testServer) user(t *testing.T, name string) *client.Client {
	t.Helper()
	c := ts.dial(t)
	require.NoError(t, c.Register(name, testPassword, "Display "+name))
	_, err := c.Login(name, testPassword)
	require.NoError(t, err)
	return c
}

// registerOnly creates an account without keeping a connection
func (ts *testServer) registerOnly(t *testing.T, name string) {
	t.Helper()
	c := ts.dial(t)
	require.NoError(t, c.Register(name, testPassword, "Display "+name))
	require.NoError(t, c.Close())
}

// rawConn is a bare TCP connection used to craft byte streams the client
// library would never produce
type rawConn struct {
	net.Conn
	reader *protocol.Reader
}

func (ts *testServer) raw(t *testing.T) *rawConn {
	t.Helper()
	c, err := net.Dial("tcp", ts.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &rawConn{Conn: c, reader: protocol.NewReader(c, 1<<20)}
}

func (rc *rawConn) write(t *testing.T, data string) {
	t.Helper()
	_, err := rc.Write([]byte(data))
	require.NoError(t, err)
}

// next reads the next record that is not an EVENT
func (rc *rawConn) next(t *testing.T) protocol.Record {
	t.Helper()
	rc.SetReadDeadline(time.Now().Add(eventTimeout))
	defer rc.SetReadDeadline(time.Time{})
	for {
		rec, err := rc.reader.ReadRecord()
		require.NoError(t, err)
		if rec.Verb != protocol.VerbEvent {
			return rec
		}
	}
}

// expectClosed asserts the server closes the connection
func (rc *rawConn) expectClosed(t *testing.T) {
	t.Helper()
	rc.SetReadDeadline(time.Now().Add(eventTimeout))
	for {
		_, err := rc.reader.ReadRecord()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("connection still open")
			}
			return
		}
	}
}

func (rc *rawConn) login(t *testing.T, name string) {
	t.Helper()
	rc.write(t, "REGISTER|"+name+"|"+testPassword+"|"+name+"\n")
	require.Equal(t, "OK|REGISTER|"+name, rc.next(t).String())
	rc.write(t, "LOGIN|"+name+"|"+testPassword+"\n")
	require.Equal(t, protocol.VerbOK, rc.next(t).Verb)
}

// pipeConn returns a Conn over one end of an in-memory pipe and the
// other end for the test to read
func pipeConn(t *testing.T, id uint64) (*Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewConn(id, a, 0, 0), b
}
