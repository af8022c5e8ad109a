package session

import (
	"errors"
	"fmt"
	"net"
)

// ErrAlreadyRunning means another engine process holds the gateway lock.
var ErrAlreadyRunning = errors.New("session: another instance holds the gateway lock")

// GatewayLock is a process-level singleton guard implemented as a bound
// loopback port. Unlike a lock file, the kernel releases the port the
// moment the holding process dies, so a crash never leaves a stale lock
// behind.
type GatewayLock struct {
	ln   net.Listener
	port int
}

// AcquireGatewayLock binds 127.0.0.1:port. A bind failure on an address
// already in use means another instance is alive.
func AcquireGatewayLock(port int) (*GatewayLock, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("%w: port %d: %v", ErrAlreadyRunning, port, err)
	}
	return &GatewayLock{ln: ln, port: ln.Addr().(*net.TCPAddr).Port}, nil
}

// Port returns the bound port.
func (l *GatewayLock) Port() int { return l.port }

// Release closes the listener, freeing the lock for the next process.
func (l *GatewayLock) Release() error {
	if l == nil || l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
