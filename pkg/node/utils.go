package node

import (
	"net"
	"strings"
)

// DefaultPort is the overlay port assumed when an address omits one.
const DefaultPort = "7946"

// NormalizeHostPort cuts a tcp:// prefix from the input address and adds
// defPort when no port is given.
func NormalizeHostPort(addr, defPort string) string {
	addr = strings.TrimSpace(addr)
	if rest, ok := strings.CutPrefix(addr, "tcp://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(addr, defPort)
}
