package trcwire

import (
	"io"

	"github.com/peterbourgon/trcagent"
)

// Listener is a command listener which encodes commands to a writer, e.g. a
// file or a network connection. Write failures are reported as transport
// errors, which shut down the runtime.
type Listener struct {
	enc *Encoder
}

// NewListener returns a listener encoding commands to w.
func NewListener(w io.Writer, c Compression) *Listener {
	return &Listener{enc: NewEncoder(w, c)}
}

// OnCommand implements trcagent.CommandListener.
func (l *Listener) OnCommand(cmd trcagent.Command) error {
	if err := l.enc.Encode(cmd); err != nil {
		return &trcagent.TransportError{Err: err}
	}
	return nil
}
