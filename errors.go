package trcagent

import (
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"syscall"
)

var (
	// ErrInvalidSpeculation is returned when a speculative buffer ID doesn't
	// name a live buffer, either because it was never allocated, or because it
	// was already committed or discarded.
	ErrInvalidSpeculation = errors.New("invalid speculation ID")

	// ErrAlreadyRegistered is returned when creating a runtime for a client
	// name that already has an active runtime.
	ErrAlreadyRegistered = errors.New("client already registered")

	// ErrDisabled is returned when sending to a runtime that has been disabled.
	ErrDisabled = errors.New("runtime disabled")

	// ErrNotActivated is returned when starting a runtime before it has been
	// initialized with a program.
	ErrNotActivated = errors.New("runtime not activated")
)

// ExitError is returned by trace logic to end the session with the given exit
// code. It propagates up through any number of probe frames, and is never
// reported to the client as an error. Construct it via [Runtime.Exit].
type ExitError struct {
	Code int
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	return fmt.Sprintf("exit %d", e.Code)
}

// PanicError wraps a panic recovered from trace logic.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value if it was an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// TransportError signals that the connection to the client is unusable. A
// listener returning a transport error causes the runtime to shut down.
type TransportError struct {
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError returns true if err indicates a broken connection to the
// client, either explicitly as a [TransportError], or implicitly as one of the
// common closed-connection errors.
func IsTransportError(err error) bool {
	var te *TransportError
	switch {
	case err == nil:
		return false
	case errors.As(err, &te):
		return true
	case errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return true
	default:
		return false
	}
}

// invoke calls fn, converting any panic into a [PanicError].
func invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	return fn()
}
