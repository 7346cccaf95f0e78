package trcagent

import "errors"

// CommandListener receives commands from a runtime's delivery goroutine. It's
// called sequentially, in command order, and typically writes each command to
// a transport. Returning an error that satisfies [IsTransportError] tears down
// the runtime; other errors are logged and delivery continues.
type CommandListener interface {
	OnCommand(cmd Command) error
}

// ListenerFunc adapts a function to a CommandListener.
type ListenerFunc func(cmd Command) error

// OnCommand implements CommandListener.
func (f ListenerFunc) OnCommand(cmd Command) error {
	return f(cmd)
}

// MultiListener delivers each command to every listener in order.
type MultiListener []CommandListener

// OnCommand implements CommandListener. Every listener sees every command,
// regardless of errors from other listeners. The returned error joins all of
// the listener errors, so a transport error from any listener is preserved.
func (ml MultiListener) OnCommand(cmd Command) error {
	var errs []error
	for _, l := range ml {
		if err := l.OnCommand(cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// nopListener discards all commands.
type nopListener struct{}

func (nopListener) OnCommand(Command) error { return nil }
