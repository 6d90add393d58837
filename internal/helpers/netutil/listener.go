package netutil

import (
	"fmt"
	"net"

	"github.com/eleven-am/conductor/internal/domain"
)

// Listen opens a TCP listener on addr ("host:port"). Port 0 lets the OS pick
// one; the chosen port is returned.
func Listen(addr string) (net.Listener, int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: listen on %s: %v", domain.ErrConnection, addr, err)
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}
