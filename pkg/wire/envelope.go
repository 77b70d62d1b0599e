package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"code.hybscloud.com/iox"
)

// Kind identifies the purpose of an envelope.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindReply
	KindStreamItem
	KindStreamEnd
	KindStreamError
	KindCallback
	KindCallbackReply
	KindHandshakeInit
	KindHandshakeAck
	KindCancel
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindReply:
		return "Reply"
	case KindStreamItem:
		return "StreamItem"
	case KindStreamEnd:
		return "StreamEnd"
	case KindStreamError:
		return "StreamError"
	case KindCallback:
		return "Callback"
	case KindCallbackReply:
		return "CallbackReply"
	case KindHandshakeInit:
		return "HandshakeInit"
	case KindHandshakeAck:
		return "HandshakeAck"
	case KindCancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k >= KindRequest && k <= KindCancel
}

const (
	// HeaderSize is kind(1) + correlation id(8) + payload length(4).
	HeaderSize = 13

	// MaxPayloadSize bounds a single envelope payload.
	MaxPayloadSize = 16 << 20
)

var (
	// ErrShortFrame means the buffer holds less than one complete frame.
	// It wraps iox.ErrWouldBlock: the caller should retry with more bytes.
	ErrShortFrame = fmt.Errorf("wire: short frame: %w", iox.ErrWouldBlock)

	// ErrMalformedFrame means the frame can never decode.
	ErrMalformedFrame = errors.New("wire: malformed frame")

	// ErrFrameTooLarge means the payload exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

// Envelope is the unit of transfer on a connection.
type Envelope struct {
	Kind          Kind
	CorrelationID uint64
	Payload       []byte
}

// Size returns the encoded length of the envelope.
func (e Envelope) Size() int {
	return HeaderSize + len(e.Payload)
}

// Encode returns the wire form of env in a single buffer.
func Encode(env Envelope) ([]byte, error) {
	return AppendEncode(make([]byte, 0, env.Size()), env)
}

// AppendEncode appends the wire form of env to dst.
func AppendEncode(dst []byte, env Envelope) ([]byte, error) {
	if !env.Kind.Valid() {
		return dst, fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, env.Kind)
	}
	if len(env.Payload) > MaxPayloadSize {
		return dst, ErrFrameTooLarge
	}
	dst = append(dst, byte(env.Kind))
	dst = binary.BigEndian.AppendUint64(dst, env.CorrelationID)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(env.Payload)))
	return append(dst, env.Payload...), nil
}

// Decode parses one envelope from the front of buf and returns it together
// with the number of bytes consumed. The returned payload aliases buf.
//
// A truncated buffer yields ErrShortFrame; an unknown kind yields
// ErrMalformedFrame.
func Decode(buf []byte) (Envelope, int, error) {
	if len(buf) < HeaderSize {
		return Envelope{}, 0, ErrShortFrame
	}
	env, n, err := decodeHeader(buf[:HeaderSize])
	if err != nil {
		return Envelope{}, 0, err
	}
	total := HeaderSize + n
	if len(buf) < total {
		return Envelope{}, 0, ErrShortFrame
	}
	env.Payload = buf[HeaderSize:total:total]
	return env, total, nil
}

func decodeHeader(hdr []byte) (Envelope, int, error) {
	kind := Kind(hdr[0])
	if !kind.Valid() {
		return Envelope{}, 0, fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, hdr[0])
	}
	n := binary.BigEndian.Uint32(hdr[9:13])
	if n > MaxPayloadSize {
		return Envelope{}, 0, ErrFrameTooLarge
	}
	return Envelope{
		Kind:          kind,
		CorrelationID: binary.BigEndian.Uint64(hdr[1:9]),
	}, int(n), nil
}

// Write encodes env and writes it with a single call to w.Write.
func Write(w io.Writer, env Envelope) error {
	buf, err := Encode(env)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Reader reads envelopes from a byte stream.
type Reader struct {
	r   *bufio.Reader
	hdr [HeaderSize]byte
}

// NewReader creates a Reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Read returns the next envelope. It returns io.EOF only when the stream
// ends cleanly on a frame boundary.
func (r *Reader) Read() (Envelope, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return Envelope{}, err
	}
	env, n, err := decodeHeader(r.hdr[:])
	if err != nil {
		return Envelope{}, err
	}
	if n > 0 {
		env.Payload = make([]byte, n)
		if _, err := io.ReadFull(r.r, env.Payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Envelope{}, err
		}
	}
	return env, nil
}
