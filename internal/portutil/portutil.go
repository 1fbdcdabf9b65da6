// Package portutil allocates ephemeral TCP ports for preview child
// processes.
package portutil

import (
	"fmt"
	"net"
)

// Allocate binds 127.0.0.1:0, reads back the OS-assigned port, and closes
// the listener immediately. The caller owns the TOCTOU window between this
// call and actually spawning against the port.
func Allocate() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}
