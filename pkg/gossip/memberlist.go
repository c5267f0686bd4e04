package gossip

import "sync"

// Members tracks the live neighbor connections of the local node, keyed by
// the neighbor's node address.
type Members struct {
	mu    sync.RWMutex
	conns map[NodeAddress]Conn
}

func NewMembers() *Members {
	return &Members{conns: make(map[NodeAddress]Conn)}
}

// Put registers conn for addr and returns the connection it replaced, if any.
func (m *Members) Put(addr NodeAddress, conn Conn) Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.conns[addr]
	m.conns[addr] = conn
	return prev
}

// Remove unregisters addr only while conn is still the registered
// connection, so a stale disconnect never drops a newer link.
func (m *Members) Remove(addr NodeAddress, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.conns[addr]; !ok || cur != conn {
		return false
	}
	delete(m.conns, addr)
	return true
}

func (m *Members) Get(addr NodeAddress) (Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[addr]
	return c, ok
}

// Addresses returns the neighbor addresses in address order.
func (m *Members) Addresses() []NodeAddress {
	m.mu.RLock()
	out := make([]NodeAddress, 0, len(m.conns))
	for a := range m.conns {
		out = append(out, a)
	}
	m.mu.RUnlock()
	return SortAddresses(out)
}

// Snapshot returns a copy of the registry.
func (m *Members) Snapshot() map[NodeAddress]Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[NodeAddress]Conn, len(m.conns))
	for a, c := range m.conns {
		out[a] = c
	}
	return out
}

func (m *Members) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
