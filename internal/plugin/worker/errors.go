package worker

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	CodeTimeout        = "WORKER_TIMEOUT"
	CodeHostError      = "HOST_ERROR"
	CodeTerminated     = "HOST_TERMINATED"
	CodePoolClosed     = "POOL_CLOSED"
	CodeCapacity       = "CAPACITY_EXCEEDED"
	CodeNotInitialized = "HOST_NOT_INITIALIZED"
	CodeProtocol       = "PROTOCOL_ERROR"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrTimeout is returned when a host does not answer within the deadline.
	ErrTimeout = errors.New("worker timeout")
	// ErrHostTerminated is returned for calls to a terminated host.
	ErrHostTerminated = errors.New("host terminated")
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("pool is closed")
	// ErrCapacity is returned when no host became free in time.
	ErrCapacity = errors.New("no worker available")
)

// HostError is an error reported by the host in a response, usually an
// exception thrown by plugin code.
type HostError struct {
	Message string
	Stack   string
	Code    string
}

func (e *HostError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}
