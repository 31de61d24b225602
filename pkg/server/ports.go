package server

import (
	"fmt"
	"math/bits"
	"sync"
)

// PortAllocator hands out relay ports from a fixed range. Ports are
// tracked in a bitmap and keyed by owner (call id), so sessions can end
// in any order without two owners ever sharing a port.
type PortAllocator struct {
	mu     sync.Mutex
	min    int
	size   int
	words  []uint64
	owners map[string]int // owner -> port
}

// NewPortAllocator covers the inclusive range [min, max]
func NewPortAllocator(min, max int) (*PortAllocator, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid relay port range %d-%d", min, max)
	}
	size := max - min + 1
	return &PortAllocator{
		min:    min,
		size:   size,
		words:  make([]uint64, (size+63)/64),
		owners: make(map[string]int),
	}, nil
}

// Allocate returns the lowest free port for owner
func (a *PortAllocator) Allocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.owners[owner]; ok {
		return 0, fmt.Errorf("%w: %s already holds port %d", ErrConflict, owner, port)
	}

	for w, word := range a.words {
		if word == ^uint64(0) {
			continue
		}
		idx := w*64 + bits.TrailingZeros64(^word)
		if idx >= a.size {
			break
		}
		a.words[w] |= 1 << uint(idx%64)
		port := a.min + idx
		a.owners[owner] = port
		return port, nil
	}
	return 0, fmt.Errorf("%w: no free relay port in %d-%d", ErrResourceExhausted, a.min, a.min+a.size-1)
}

// Release frees owner's port. It reports false, changing nothing, when
// owner holds no port (already released or never allocated).
func (a *PortAllocator) Release(owner string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.owners[owner]
	if !ok {
		return 0, false
	}
	delete(a.owners, owner)
	idx := port - a.min
	a.words[idx/64] &^= 1 << uint(idx%64)
	return port, true
}

// Rename hands from's port to owner to. It reports false, changing
// nothing, when from holds no port or to already holds one.
func (a *PortAllocator) Rename(from, to string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.owners[from]
	if !ok {
		return false
	}
	if _, taken := a.owners[to]; taken {
		return false
	}
	delete(a.owners, from)
	a.owners[to] = port
	return true
}

// InUse returns the number of allocated ports
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.owners)
}

// Capacity returns the size of the range
func (a *PortAllocator) Capacity() int {
	return a.size
}
