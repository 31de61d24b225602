package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLatestRegistrationWins(t *testing.T) {
	r := NewRegistry()
	first, _ := pipeConn(t, 1)
	second, _ := pipeConn(t, 2)

	assert.Nil(t, r.Register("alice", first))
	prev := r.Register("alice", second)
	assert.Same(t, first, prev)

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Count())

	// Replaced connection is not closed by the registry
	assert.True(t, first.Alive())
}

func TestRegistryStaleUnregisterKeepsNewer(t *testing.T) {
	r := NewRegistry()
	first, _ := pipeConn(t, 1)
	second, _ := pipeConn(t, 2)

	r.Register("alice", first)
	r.Register("alice", second)

	assert.False(t, r.Unregister("alice", first))
	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, r.Unregister("alice", second))
	assert.False(t, r.IsOnline("alice"))
	assert.False(t, r.Unregister("alice", second))
	assert.Zero(t, r.Count())
}

func TestRegistryLookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("nobody")
	assert.False(t, ok)
	assert.False(t, r.IsOnline("nobody"))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	conns := make([]*Conn, 20)
	for i := range conns {
		conns[i], _ = pipeConn(t, uint64(i+1))
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *Conn) {
			defer wg.Done()
			user := fmt.Sprintf("user%d", i%5)
			r.Register(user, c)
			r.Lookup(user)
			r.Unregister(user, c)
		}(i, c)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		if c, ok := r.Lookup(fmt.Sprintf("user%d", i)); ok {
			assert.Contains(t, conns, c)
		}
	}
}
