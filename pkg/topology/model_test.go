package topology

import (
	"slices"
	"sync"
	"testing"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

func addrs(n int) []gossip.NodeAddress {
	out := make([]gossip.NodeAddress, n)
	for i := range out {
		out[i] = gossip.NewNodeAddress()
	}
	return out
}

func TestAddConnectionSymmetric(t *testing.T) {
	a := addrs(2)
	m := New(a[0])
	m.AddConnection(a[0], a[1])

	if !m.HasEdge(a[0], a[1]) || !m.HasEdge(a[1], a[0]) {
		t.Fatal("edge should exist in both directions")
	}
	if !m.Connected(a[0], a[1]) || !m.Connected(a[1], a[0]) {
		t.Fatal("Connected should be true both ways after AddConnection")
	}
	for _, pair := range [][2]gossip.NodeAddress{{a[0], a[1]}, {a[1], a[0]}} {
		d, ok := m.ShortestDistance(pair[0], pair[1])
		if !ok || d != 1 {
			t.Fatalf("ShortestDistance = (%d,%v), want (1,true)", d, ok)
		}
	}
}

func TestNoSelfLoops(t *testing.T) {
	a := addrs(1)
	m := New(a[0])
	m.AddConnection(a[0], a[0])
	if m.HasEdge(a[0], a[0]) {
		t.Fatal("self loop was added")
	}
	m.ReplaceNeighbors(a[0], []gossip.NodeAddress{a[0]})
	if len(m.Edges()) != 0 {
		t.Fatalf("Edges = %v, want none", m.Edges())
	}
}

func TestIdempotentRemove(t *testing.T) {
	a := addrs(3)
	m := New(a[0])
	m.AddConnection(a[0], a[1])
	m.AddConnection(a[1], a[2])

	m.RemoveConnection(a[0], a[1])
	once := m.Clone()
	m.RemoveConnection(a[0], a[1])

	if !slices.Equal(m.Edges(), once.Edges()) || !slices.Equal(m.Nodes(), once.Nodes()) {
		t.Fatalf("second remove changed the model: %v vs %v", m.Edges(), once.Edges())
	}
	// Removing an edge that never existed is a no-op too.
	m.RemoveConnection(a[0], a[2])
	if len(m.Edges()) != 1 {
		t.Fatalf("Edges = %d, want 1", len(m.Edges()))
	}
}

func TestIdempotentAdd(t *testing.T) {
	a := addrs(2)
	m := New(a[0])
	m.AddConnection(a[0], a[1])
	m.AddConnection(a[1], a[0])
	if got := len(m.Edges()); got != 1 {
		t.Fatalf("Edges = %d, want 1", got)
	}
}

func TestConnectedThroughPath(t *testing.T) {
	a := addrs(5)
	m := New(a[0])
	for i := 0; i < 4; i++ {
		m.AddConnection(a[i], a[i+1])
	}
	if !m.Connected(a[0], a[4]) {
		t.Fatal("ends of a line should be connected")
	}
	if d, _ := m.ShortestDistance(a[0], a[4]); d != 4 {
		t.Fatalf("ShortestDistance = %d, want 4", d)
	}

	m.RemoveConnection(a[2], a[3])
	if m.Connected(a[0], a[4]) {
		t.Fatal("cut line should not be connected")
	}
	if _, ok := m.ShortestDistance(a[0], a[4]); ok {
		t.Fatal("ShortestDistance should be empty across a cut")
	}
}

func TestShortestDistanceUnknownVertex(t *testing.T) {
	a := addrs(2)
	m := New(a[0])
	if _, ok := m.ShortestDistance(a[1], a[0]); ok {
		t.Fatal("unknown source should be unreachable")
	}
	if d, ok := m.ShortestDistance(a[0], a[0]); !ok || d != 0 {
		t.Fatalf("distance to self = (%d,%v), want (0,true)", d, ok)
	}
}

func TestShortestDistancePrefersShortPath(t *testing.T) {
	// a0 - a1 - a2 - a3 and a shortcut a0 - a3
	a := addrs(4)
	m := New(a[0])
	m.AddConnection(a[0], a[1])
	m.AddConnection(a[1], a[2])
	m.AddConnection(a[2], a[3])
	m.AddConnection(a[0], a[3])
	if d, _ := m.ShortestDistance(a[1], a[3]); d != 2 {
		t.Fatalf("ShortestDistance = %d, want 2", d)
	}
}

func TestRemoveNode(t *testing.T) {
	a := addrs(3)
	m := New(a[0])
	m.AddConnection(a[0], a[1])
	m.AddConnection(a[1], a[2])
	m.AddConnection(a[0], a[2])

	m.RemoveNode(a[1])
	if m.HasNode(a[1]) {
		t.Fatal("a1 should be gone")
	}
	for _, e := range m.Edges() {
		if e.Touches(a[1]) {
			t.Fatalf("edge %v still touches removed node", e)
		}
	}
	// Removing a node that doesn't exist should not panic.
	m.RemoveNode(a[1])
}

func TestReplaceNeighbors(t *testing.T) {
	a := addrs(4)
	m := New(a[0])
	m.AddConnection(a[0], a[1])
	m.AddConnection(a[1], a[2])

	m.ReplaceNeighbors(a[1], []gossip.NodeAddress{a[3]})

	if m.HasEdge(a[0], a[1]) || m.HasEdge(a[1], a[2]) {
		t.Fatal("old edges of a1 should be replaced")
	}
	if !m.HasEdge(a[1], a[3]) {
		t.Fatal("a1--a3 should exist")
	}
}

func TestTrim(t *testing.T) {
	a := addrs(5)
	m := New(a[0])
	m.AddConnection(a[0], a[1])
	m.AddConnection(a[1], a[2])
	m.AddConnection(a[3], a[4]) // learned about, but isolated from us

	dropped := m.Trim()
	want := gossip.SortAddresses([]gossip.NodeAddress{a[3], a[4]})
	if !slices.Equal(dropped, want) {
		t.Fatalf("Trim dropped %v, want %v", dropped, want)
	}
	if m.Len() != 3 {
		t.Fatalf("Len = %d, want 3", m.Len())
	}

	// Self survives even when isolated.
	m.RemoveConnection(a[0], a[1])
	m.Trim()
	if !m.HasNode(a[0]) || m.Len() != 1 {
		t.Fatalf("after isolating self: nodes = %v", m.Nodes())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a := addrs(3)
	m := New(a[0])
	m.AddConnection(a[0], a[1])

	c := m.Clone()
	c.AddConnection(a[1], a[2])
	c.RemoveNode(a[0])
	m.AddConnection(a[0], a[2])

	if m.HasEdge(a[1], a[2]) {
		t.Fatal("mutating the clone leaked into the model")
	}
	if c.HasEdge(a[0], a[2]) || c.HasNode(a[0]) {
		t.Fatal("mutating the model leaked into the clone")
	}
}

func TestReachable(t *testing.T) {
	a := addrs(4)
	m := New(a[0])
	m.AddConnection(a[0], a[1])
	m.AddConnection(a[2], a[3])

	r := m.Reachable(a[0])
	if r.Cardinality() != 2 || !r.Contains(a[0], a[1]) {
		t.Fatalf("Reachable = %v", r)
	}
}

func TestConcurrentAccess_NoRaces(t *testing.T) {
	self := gossip.NewNodeAddress()
	m := New(self)
	pool := addrs(32)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 500 {
				x, y := pool[(g+i)%len(pool)], pool[(g*7+i*3)%len(pool)]
				switch i % 5 {
				case 0:
					m.AddConnection(self, x)
				case 1:
					m.AddConnection(x, y)
				case 2:
					m.RemoveConnection(x, y)
				case 3:
					_ = m.Clone().Connected(self, y)
				case 4:
					m.Trim()
				}
			}
		}(g)
	}
	wg.Wait()

	for _, e := range m.Edges() {
		if !m.HasEdge(e.B, e.A) {
			t.Fatalf("asymmetric edge %v", e)
		}
	}
}
