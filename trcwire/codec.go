// Package trcwire is a compact binary encoding for command streams.
//
// A stream starts with a two byte header: the format version, and the
// preferred compression of the writer. Each command follows as a frame: one
// byte of compression for the frame, the uvarint length of the uncompressed
// payload, the uvarint length of the stored payload, and the payload itself.
// Payloads are CBOR, using core deterministic encoding. Frames which don't get
// smaller when compressed are stored uncompressed.
package trcwire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterbourgon/trcagent"
)

// Version of the stream format.
const Version = 1

// MaxFrameSize bounds the uncompressed payload of a single frame.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned when a frame payload exceeds [MaxFrameSize].
var ErrFrameTooLarge = errors.New("frame too large")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("trcwire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("trcwire: CBOR decoder initialization failed: " + err.Error())
	}
}

type frame struct {
	Kind trcagent.Kind  `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

// Marshal encodes a single command as a CBOR frame payload.
func Marshal(cmd trcagent.Command) ([]byte, error) {
	body, err := encMode.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal %s command: %w", cmd.Kind(), err)
	}
	return encMode.Marshal(frame{Kind: cmd.Kind(), Body: body})
}

// Unmarshal decodes a single command from a CBOR frame payload.
func Unmarshal(data []byte) (trcagent.Command, error) {
	var f frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return trcagent.DecodeCommand(f.Kind, func(v any) error { return decMode.Unmarshal(f.Body, v) })
}

// Encoder writes a stream of commands. It's safe for concurrent use.
type Encoder struct {
	mtx         sync.Mutex
	w           io.Writer
	compression Compression
	wroteHeader bool
}

// NewEncoder returns an encoder writing to w, compressing frames with c.
func NewEncoder(w io.Writer, c Compression) *Encoder {
	return &Encoder{
		w:           w,
		compression: c,
	}
}

// Encode writes cmd as a single frame, with a single call to the underlying
// writer. The first call also writes the stream header. Commands which would
// exceed [MaxFrameSize] are rejected, and nothing is written.
func (e *Encoder) Encode(cmd trcagent.Command) error {
	payload, err := Marshal(cmd)
	if err != nil {
		return err
	}

	if len(payload) > MaxFrameSize {
		return fmt.Errorf("encode %s command: %d bytes: %w", cmd.Kind(), len(payload), ErrFrameTooLarge)
	}

	tag := e.compression
	stored, err := compress(payload, tag)
	switch {
	case errors.Is(err, errIncompressible):
		tag, stored = CompressionNone, payload
	case err != nil:
		return err
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	buf := make([]byte, 0, 2+1+2*binary.MaxVarintLen64+len(stored))
	if !e.wroteHeader {
		buf = append(buf, Version, byte(e.compression))
	}
	buf = append(buf, byte(tag))
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	buf = binary.AppendUvarint(buf, uint64(len(stored)))
	buf = append(buf, stored...)

	if _, err := e.w.Write(buf); err != nil {
		return err
	}

	e.wroteHeader = true
	return nil
}

// Decoder reads a stream of commands.
type Decoder struct {
	r           *bufio.Reader
	readHeader  bool
	compression Compression
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Compression returns the preferred compression declared by the stream
// header. It's only valid after the first successful Decode.
func (d *Decoder) Compression() Compression {
	return d.compression
}

// Decode reads the next command from the stream. It returns io.EOF at the
// clean end of the stream, and io.ErrUnexpectedEOF if the stream ends within
// a frame.
func (d *Decoder) Decode() (trcagent.Command, error) {
	if !d.readHeader {
		var hdr [2]byte
		if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
			return nil, err
		}
		if hdr[0] != Version {
			return nil, fmt.Errorf("unsupported stream version %d", hdr[0])
		}
		d.compression = Compression(hdr[1])
		d.readHeader = true
	}

	tag, err := d.r.ReadByte()
	if err != nil {
		return nil, err // io.EOF at a frame boundary is a clean end
	}

	size, err := d.readLength()
	if err != nil {
		return nil, err
	}

	storedSize, err := d.readLength()
	if err != nil {
		return nil, err
	}

	stored := make([]byte, storedSize)
	if _, err := io.ReadFull(d.r, stored); err != nil {
		return nil, unexpected(err)
	}

	payload, err := decompress(stored, Compression(tag), size)
	if err != nil {
		return nil, err
	}

	return Unmarshal(payload)
}

func (d *Decoder) readLength() (int, error) {
	n, err := binary.ReadUvarint(d.r)
	if err != nil {
		return 0, unexpected(err)
	}
	if n > MaxFrameSize {
		return 0, fmt.Errorf("frame size %d: %w", n, ErrFrameTooLarge)
	}
	return int(n), nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
