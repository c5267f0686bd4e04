package gossip

import "errors"

var (
	// ErrDisconnected means a specific connection is gone. It is local to the
	// one send or receive that observed it.
	ErrDisconnected = errors.New("gossip: disconnected")
	// ErrProtocolViolation marks a malformed or unexpected message.
	ErrProtocolViolation = errors.New("gossip: protocol violation")
	// ErrRoutingExhausted means no hop could deliver an addressed message.
	ErrRoutingExhausted = errors.New("gossip: routing exhausted")
	// ErrSetupFailed means a handshake did not complete.
	ErrSetupFailed = errors.New("gossip: connection setup failed")
)
