// Package topology holds the local model of the overlay: an undirected graph
// of node addresses whose edges are live (or last reported live) transport
// connections.
package topology

import (
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

type vertexSet map[gossip.NodeAddress]struct{}

// Model is symmetric, has no self-loops, and always contains its own address.
type Model struct {
	mu   sync.RWMutex
	self gossip.NodeAddress
	adj  map[gossip.NodeAddress]vertexSet
}

func New(self gossip.NodeAddress) *Model {
	m := &Model{
		self: self,
		adj:  make(map[gossip.NodeAddress]vertexSet),
	}
	m.adj[self] = make(vertexSet)
	return m
}

func (m *Model) Self() gossip.NodeAddress { return m.self }

// AddConnection adds both vertices and the edge between them.
func (m *Model) AddConnection(a, b gossip.NodeAddress) {
	if a == b {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link(a, b)
}

// RemoveConnection removes the edge if present. Vertices stay until Trim.
func (m *Model) RemoveConnection(a, b gossip.NodeAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlink(a, b)
}

// ReplaceNeighbors drops every edge touching node and links it to neighbors.
func (m *Model) ReplaceNeighbors(node gossip.NodeAddress, neighbors []gossip.NodeAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n := range m.adj[node] {
		m.unlink(node, n)
	}
	if _, ok := m.adj[node]; !ok {
		m.adj[node] = make(vertexSet)
	}
	for _, n := range neighbors {
		if n != node {
			m.link(node, n)
		}
	}
}

// RemoveNode deletes n and all of its edges.
func (m *Model) RemoveNode(n gossip.NodeAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for nb := range m.adj[n] {
		delete(m.adj[nb], n)
	}
	delete(m.adj, n)
}

// Connected reports whether a path joins a and b.
func (m *Model) Connected(a, b gossip.NodeAddress) bool {
	_, ok := m.ShortestDistance(a, b)
	return ok
}

// ShortestDistance returns the hop count of the shortest path from from to
// to, or false if to is unreachable.
func (m *Model) ShortestDistance(from, to gossip.NodeAddress) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.adj[from]; !ok {
		return 0, false
	}
	if from == to {
		return 0, true
	}
	dist := map[gossip.NodeAddress]int{from: 0}
	queue := []gossip.NodeAddress{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for nb := range m.adj[cur] {
			if _, seen := dist[nb]; seen {
				continue
			}
			if nb == to {
				return dist[cur] + 1, true
			}
			dist[nb] = dist[cur] + 1
			queue = append(queue, nb)
		}
	}
	return 0, false
}

// Reachable returns every vertex reachable from from, including from.
func (m *Model) Reachable(from gossip.NodeAddress) mapset.Set[gossip.NodeAddress] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reachable(from)
}

func (m *Model) reachable(from gossip.NodeAddress) mapset.Set[gossip.NodeAddress] {
	seen := mapset.NewThreadUnsafeSet[gossip.NodeAddress]()
	if _, ok := m.adj[from]; !ok {
		return seen
	}
	seen.Add(from)
	queue := []gossip.NodeAddress{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for nb := range m.adj[cur] {
			if seen.Add(nb) {
				queue = append(queue, nb)
			}
		}
	}
	return seen
}

// Trim drops every vertex not reachable from the local node and returns them.
func (m *Model) Trim() []gossip.NodeAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adj[m.self]; !ok {
		m.adj[m.self] = make(vertexSet)
	}
	keep := m.reachable(m.self)
	var dropped []gossip.NodeAddress
	for n := range m.adj {
		if !keep.Contains(n) {
			dropped = append(dropped, n)
		}
	}
	for _, n := range dropped {
		for nb := range m.adj[n] {
			delete(m.adj[nb], n)
		}
		delete(m.adj, n)
	}
	return gossip.SortAddresses(dropped)
}

// Clone returns a deep copy that shares nothing with m.
func (m *Model) Clone() *Model {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := &Model{
		self: m.self,
		adj:  make(map[gossip.NodeAddress]vertexSet, len(m.adj)),
	}
	for n, nbs := range m.adj {
		cp := make(vertexSet, len(nbs))
		for nb := range nbs {
			cp[nb] = struct{}{}
		}
		c.adj[n] = cp
	}
	return c
}

// Nodes returns every vertex in address order.
func (m *Model) Nodes() []gossip.NodeAddress {
	m.mu.RLock()
	out := make([]gossip.NodeAddress, 0, len(m.adj))
	for n := range m.adj {
		out = append(out, n)
	}
	m.mu.RUnlock()
	return gossip.SortAddresses(out)
}

func (m *Model) Neighbors(n gossip.NodeAddress) []gossip.NodeAddress {
	m.mu.RLock()
	out := make([]gossip.NodeAddress, 0, len(m.adj[n]))
	for nb := range m.adj[n] {
		out = append(out, nb)
	}
	m.mu.RUnlock()
	return gossip.SortAddresses(out)
}

// Edges returns every edge once, sorted.
func (m *Model) Edges() []gossip.Edge {
	m.mu.RLock()
	var out []gossip.Edge
	for n, nbs := range m.adj {
		for nb := range nbs {
			if n.Compare(nb) < 0 {
				out = append(out, gossip.NewEdge(n, nb))
			}
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(x, y gossip.Edge) int {
		if c := x.A.Compare(y.A); c != 0 {
			return c
		}
		return x.B.Compare(y.B)
	})
	return out
}

func (m *Model) HasNode(n gossip.NodeAddress) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.adj[n]
	return ok
}

func (m *Model) HasEdge(a, b gossip.NodeAddress) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.adj[a][b]
	return ok
}

func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.adj)
}

func (m *Model) link(a, b gossip.NodeAddress) {
	if _, ok := m.adj[a]; !ok {
		m.adj[a] = make(vertexSet)
	}
	if _, ok := m.adj[b]; !ok {
		m.adj[b] = make(vertexSet)
	}
	m.adj[a][b] = struct{}{}
	m.adj[b][a] = struct{}{}
}

func (m *Model) unlink(a, b gossip.NodeAddress) {
	if nbs, ok := m.adj[a]; ok {
		delete(nbs, b)
	}
	if nbs, ok := m.adj[b]; ok {
		delete(nbs, a)
	}
}
