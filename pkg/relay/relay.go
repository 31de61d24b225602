// Package relay forwards call media between participants over UDP.
package relay

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

const maxDatagram = 64 * 1024

// ErrAlreadyOpen is returned when a call already has a relay.
var ErrAlreadyOpen = errors.New("relay already open")

// udpRelay is one call's socket. Peers are learned from datagram source
// addresses; every datagram goes unchanged to every other peer.
type udpRelay struct {
	callID string
	conn   *net.UDPConn
	logger zerolog.Logger

	mu    sync.RWMutex
	peers map[string]*net.UDPAddr

	done chan struct{}
}

func (r *udpRelay) readLoop() {
	defer close(r.done)

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Debug().Err(err).Msg("read UDP packet failed")
			continue
		}
		r.forward(buf[:n], addr)
	}
}

func (r *udpRelay) forward(data []byte, from *net.UDPAddr) {
	key := from.String()

	r.mu.RLock()
	_, known := r.peers[key]
	r.mu.RUnlock()
	if !known {
		r.mu.Lock()
		r.peers[key] = from
		r.mu.Unlock()
		r.logger.Debug().Str("peer", key).Msg("learned relay peer")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, peer := range r.peers {
		if k == key {
			continue
		}
		if _, err := r.conn.WriteToUDP(data, peer); err != nil {
			r.logger.Debug().Err(err).Str("peer", k).Msg("forward UDP packet failed")
		}
	}
}

// Manager owns the relay sockets of all active calls.
type Manager struct {
	bindHost string
	logger   zerolog.Logger

	mu     sync.Mutex
	relays map[string]*udpRelay
}

// NewManager creates a manager binding sockets on bindHost.
func NewManager(bindHost string, logger zerolog.Logger) *Manager {
	return &Manager{
		bindHost: bindHost,
		logger:   logger.With().Str("com", "relay").Logger(),
		relays:   make(map[string]*udpRelay),
	}
}

// Open binds a UDP socket on port for callID and starts forwarding.
func (m *Manager) Open(callID string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.relays[callID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, callID)
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(m.bindHost, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("resolve UDP addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}

	r := &udpRelay{
		callID: callID,
		conn:   conn,
		logger: m.logger.With().Str("call", callID).Int("port", port).Logger(),
		peers:  make(map[string]*net.UDPAddr),
		done:   make(chan struct{}),
	}
	m.relays[callID] = r
	go r.readLoop()

	r.logger.Info().Msg("relay opened")
	return nil
}

// Close stops the relay of callID and waits for its loop. Unknown ids are
// ignored.
func (m *Manager) Close(callID string) {
	m.mu.Lock()
	r, ok := m.relays[callID]
	delete(m.relays, callID)
	m.mu.Unlock()

	if !ok {
		return
	}
	r.conn.Close()
	<-r.done
	r.logger.Info().Msg("relay closed")
}

// CloseAll stops every relay.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.relays))
	for id := range m.relays {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// Len returns the number of open relays.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.relays)
}
