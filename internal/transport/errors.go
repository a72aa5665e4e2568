package transport

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrEndOfStream is an orderly close by the peer at a message boundary.
	ErrEndOfStream = errors.New("transport: end of stream")
	ErrClosed      = errors.New("transport: channel closed")
)

// ConnectionError is a failure to establish the session's connection.
type ConnectionError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connect %s failed after %d attempt(s): %v", e.Address, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Refused reports whether the host was reachable but not listening.
func (e *ConnectionError) Refused() bool {
	return errors.Is(e.Err, syscall.ECONNREFUSED)
}

// Timeout reports whether the connect window expired.
func (e *ConnectionError) Timeout() bool {
	var ne net.Error
	if errors.As(e.Err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(e.Err, errConnectWindow)
}

// TransportError is an I/O failure on an established channel. It is fatal to the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

var errConnectWindow = errors.New("connect window expired")

func retryableDial(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET)
}
