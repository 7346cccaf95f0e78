package trcagent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/peterbourgon/trcagent/internal/trcutil"
)

// Kind identifies the type of a command. Values are wire constants, and match
// the type codes of the original agent protocol.
type Kind uint8

const (
	KindError     Kind = 0
	KindEvent     Kind = 1
	KindExit      Kind = 2
	KindMessage   Kind = 4
	KindNumberMap Kind = 7
	KindStringMap Kind = 8
	KindNumber    Kind = 9
	KindGrid      Kind = 10
)

var kindNames = map[Kind]string{
	KindError:     "error",
	KindEvent:     "event",
	KindExit:      "exit",
	KindMessage:   "message",
	KindNumberMap: "number-map",
	KindStringMap: "string-map",
	KindNumber:    "number",
	KindGrid:      "grid",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// ParseKind parses a kind from its string representation.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown command kind %q", s)
}

// Command is a unit of outbound data produced by trace logic for delivery to
// the client. Commands are immutable values.
type Command interface {
	Kind() Kind

	// Time returns the time the command was created, or the zero time if the
	// command wasn't timestamped.
	Time() time.Time
}

// IsExit returns true if cmd is a terminal command.
func IsExit(cmd Command) bool {
	return cmd != nil && cmd.Kind() == KindExit
}

// Stamp is an optional command timestamp in Unix nanoseconds.
type Stamp int64

// Now returns a stamp for the current time.
func Now() Stamp { return Stamp(time.Now().UnixNano()) }

// Time returns the stamp as a time, or the zero time if the stamp is unset.
func (s Stamp) Time() time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(s))
}

// Message is a plain text message, typically from print-style functions.
type Message struct {
	TS   Stamp  `json:"ts,omitempty"`
	Text string `json:"text"`
}

// NewMessage returns an untimestamped message.
func NewMessage(text string) Message { return Message{Text: text} }

func (c Message) Kind() Kind      { return KindMessage }
func (c Message) Time() time.Time { return c.TS.Time() }

// Number is a single named numeric metric.
type Number struct {
	TS    Stamp   `json:"ts,omitempty"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// NewNumber returns an untimestamped number.
func NewNumber(name string, value float64) Number { return Number{Name: name, Value: value} }

func (c Number) Kind() Kind      { return KindNumber }
func (c Number) Time() time.Time { return c.TS.Time() }

// NumberMap is a named snapshot of numeric values by key.
type NumberMap struct {
	TS   Stamp              `json:"ts,omitempty"`
	Name string             `json:"name"`
	Data map[string]float64 `json:"data"`
}

// NewNumberMap returns an untimestamped number map holding a copy of data.
func NewNumberMap(name string, data map[string]float64) NumberMap {
	cp := make(map[string]float64, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return NumberMap{Name: name, Data: cp}
}

func (c NumberMap) Kind() Kind      { return KindNumberMap }
func (c NumberMap) Time() time.Time { return c.TS.Time() }

// StringMap is a named snapshot of string values by key.
type StringMap struct {
	TS   Stamp             `json:"ts,omitempty"`
	Name string            `json:"name"`
	Data map[string]string `json:"data"`
}

// NewStringMap returns an untimestamped string map holding a copy of data.
func NewStringMap(name string, data map[string]string) StringMap {
	cp := make(map[string]string, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return StringMap{Name: name, Data: cp}
}

func (c StringMap) Kind() Kind      { return KindStringMap }
func (c StringMap) Time() time.Time { return c.TS.Time() }

// Grid is named tabular data. Format, if set, is a fmt format string applied
// to each row; otherwise each cell is formatted by its type.
type Grid struct {
	TS     Stamp   `json:"ts,omitempty"`
	Name   string  `json:"name"`
	Format string  `json:"format,omitempty"`
	Rows   [][]any `json:"rows"`
}

// NewGrid returns an untimestamped grid holding a copy of rows.
func NewGrid(name, format string, rows [][]any) Grid {
	cp := make([][]any, len(rows))
	for i, row := range rows {
		cp[i] = append([]any(nil), row...)
	}
	return Grid{Name: name, Format: format, Rows: cp}
}

func (c Grid) Kind() Kind      { return KindGrid }
func (c Grid) Time() time.Time { return c.TS.Time() }

// Error describes an error raised by trace logic.
type Error struct {
	TS      Stamp    `json:"ts,omitempty"`
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Causes  []string `json:"causes,omitempty"`
	Stack   string   `json:"stack,omitempty"`
}

// NewError captures the details of err, including its chain of wrapped
// errors, and the stack of the panic that produced it, if any.
func NewError(err error) Error {
	if err == nil {
		return Error{Type: "<nil>", Message: "<nil>"}
	}

	c := Error{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}

	if chain := trcutil.ErrorChain(err); len(chain) > 1 {
		c.Causes = trcutil.FlattenErrors(chain[1:]...)
	}

	var pe *PanicError
	if errors.As(err, &pe) {
		c.Stack = string(pe.Stack)
	}

	return c
}

func (c Error) Kind() Kind      { return KindError }
func (c Error) Time() time.Time { return c.TS.Time() }

// Error implements the error interface, so received error commands can be
// handled like any other error.
func (c Error) Error() string { return c.Message }

// Exit terminates a client's command stream.
type Exit struct {
	TS   Stamp `json:"ts,omitempty"`
	Code int   `json:"code"`
}

// NewExit returns an untimestamped exit command.
func NewExit(code int) Exit { return Exit{Code: code} }

func (c Exit) Kind() Kind      { return KindExit }
func (c Exit) Time() time.Time { return c.TS.Time() }

// Event is a named event notification, sent by clients to trigger event
// callbacks, and echoed in the stream when requested.
type Event struct {
	TS   Stamp  `json:"ts,omitempty"`
	Name string `json:"name"`
}

// NewEvent returns an untimestamped event.
func NewEvent(name string) Event { return Event{Name: name} }

func (c Event) Kind() Kind      { return KindEvent }
func (c Event) Time() time.Time { return c.TS.Time() }

// DecodeCommand constructs a command of the given kind, calling decode with a
// pointer to the zero value of the corresponding concrete type. It's meant for
// codecs, which know the kind from a frame header.
func DecodeCommand(k Kind, decode func(v any) error) (Command, error) {
	switch k {
	case KindError:
		var c Error
		return decodeValue(&c, decode)
	case KindEvent:
		var c Event
		return decodeValue(&c, decode)
	case KindExit:
		var c Exit
		return decodeValue(&c, decode)
	case KindMessage:
		var c Message
		return decodeValue(&c, decode)
	case KindNumberMap:
		var c NumberMap
		return decodeValue(&c, decode)
	case KindStringMap:
		var c StringMap
		return decodeValue(&c, decode)
	case KindNumber:
		var c Number
		return decodeValue(&c, decode)
	case KindGrid:
		var c Grid
		return decodeValue(&c, decode)
	default:
		return nil, fmt.Errorf("invalid command kind %d", uint8(k))
	}
}

func decodeValue[T Command](ptr *T, decode func(v any) error) (Command, error) {
	if err := decode(ptr); err != nil {
		return nil, err
	}
	return *ptr, nil
}
