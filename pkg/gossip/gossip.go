package gossip

import (
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
)

// Topology is the part of the network model the Disseminator writes to.
type Topology interface {
	ReplaceNeighbors(node NodeAddress, neighbors []NodeAddress)
}

// Disseminator floods viral events. Every node handles a given event id at
// most once, which bounds the traffic of one event to O(edges).
type Disseminator struct {
	self    NodeAddress
	topo    Topology
	members *Members
	log     *zap.Logger

	// handled only grows for the life of the process.
	handled mapset.Set[uint64]
	wg      sync.WaitGroup
}

func NewDisseminator(self NodeAddress, topo Topology, members *Members, log *zap.Logger) *Disseminator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Disseminator{
		self:    self,
		topo:    topo,
		members: members,
		log:     log.Named("viral"),
		handled: mapset.NewSet[uint64](),
	}
}

// Transmit originates a new event carrying p and handles it locally, which
// relays it to every neighbor. It returns the event id.
func (d *Disseminator) Transmit(p ViralPayload) uint64 {
	ev := &ViralEvent{ID: NewEventID(), Payload: p}
	d.Handle(ev)
	return ev.ID
}

// Handle processes an event that arrived from a neighbor or was originated
// locally. It reports false when the event id was already handled.
func (d *Disseminator) Handle(ev *ViralEvent) bool {
	if !d.handled.Add(ev.ID) {
		telemetry.ViralEvents.WithLabelValues("duplicate").Inc()
		return false
	}
	telemetry.ViralEvents.WithLabelValues("handled").Inc()
	ev.Infected.Add(d.self)

	for addr, conn := range d.members.Snapshot() {
		if ev.Infected.Contains(addr) {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := conn.Send(ev); err != nil {
				telemetry.ViralSendFailures.Inc()
				d.log.Warn("relay viral event",
					zap.Uint64("event", ev.ID),
					zap.Stringer("neighbor", addr),
					zap.Error(err))
			}
		}()
	}

	d.apply(ev)
	return true
}

func (d *Disseminator) apply(ev *ViralEvent) {
	switch p := ev.Payload.(type) {
	case NeighborSetUpdate:
		neighbors := p.Neighbors
		if p.Node == d.self {
			// Live connections are the truth about our own edges.
			neighbors = d.members.Addresses()
		}
		d.topo.ReplaceNeighbors(p.Node, neighbors)
	case UpdateTrigger:
		d.Transmit(NeighborSetUpdate{Node: d.self, Neighbors: d.members.Addresses()})
	default:
		telemetry.ViralEvents.WithLabelValues("invalid").Inc()
		d.log.Error("invalid viral payload",
			zap.Uint64("event", ev.ID),
			zap.String("payload", fmt.Sprintf("%T", ev.Payload)))
	}
}

// Handled reports whether id has been processed by this node.
func (d *Disseminator) Handled(id uint64) bool {
	return d.handled.Contains(id)
}

// Wait blocks until every relay started so far has finished.
func (d *Disseminator) Wait() {
	d.wg.Wait()
}
