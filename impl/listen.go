package impl

import (
	"context"
	"net"
)

// Listen binds a TCP listener that can be rebound right after it is closed,
// so stop followed by start never trips over the previous socket.
func Listen(ctx context.Context, network, address string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	return lc.Listen(ctx, network, address)
}
