// Package gossip implements the wire protocol and the epidemic broadcast
// subsystem of zephyrmesh. It defines the messages exchanged between
// neighbors (handshakes, viral events, addressed messages and their
// results), a CBOR codec for putting them on the wire, an abstract Conn
// interface for the transport beneath, the registry of live neighbor
// connections, and the Disseminator that floods topology changes to every
// reachable node exactly once.
//
// Typical usage:
//
//	members := gossip.NewMembers()
//	d := gossip.NewDisseminator(self, model, members, logger)
//	d.Transmit(gossip.UpdateTrigger{})
//
// Events arriving from neighbors are passed to Disseminator.Handle, which
// relays them to every neighbor not yet infected and then applies the
// payload to the local topology.
package gossip
