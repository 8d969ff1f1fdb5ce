package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const (
	// HeaderSize is the size of the length prefix preceding every frame.
	HeaderSize = 4
	// MaxFrameSize bounds the declared length of a frame (tag + body).
	MaxFrameSize = 4096
)

// ErrProtocolViolation is wrapped by every decoding failure caused by
// malformed, oversized or unknown frames. It is fatal to the connection.
var ErrProtocolViolation = errors.New("protocol violation")

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// Marshal returns the canonical frame encoding of m, including the length
// prefix. It fails only for values that cannot be represented on the wire
// (an oversized label or message).
func Marshal(m Message) ([]byte, error) {
	return AppendFrame(make([]byte, 0, 64), m)
}

// AppendFrame appends the canonical frame encoding of m to b.
func AppendFrame(b []byte, m Message) ([]byte, error) {
	start := len(b)
	b = append(b, 0, 0, 0, 0, byte(m.Kind()))

	switch m := m.(type) {
	case Hello:
		b = binary.BigEndian.AppendUint16(b, m.Version)
	case Challenge:
		b = append(b, m.Nonce[:]...)
	case ChallengeResponse:
		b = append(b, m.Proof[:]...)
	case Register:
		if len(m.Label) > 255 {
			return nil, fmt.Errorf("label too long: %d bytes", len(m.Label))
		}
		b = append(b, byte(len(m.Label)))
		b = append(b, m.Label...)
		b = append(b, byte(m.Protocol))
		b = binary.BigEndian.AppendUint16(b, m.LocalPort)
	case Assigned:
		b = binary.BigEndian.AppendUint16(b, m.Port)
	case Reject:
		var err error
		if b, err = appendReason(b, m.Reason, m.Message); err != nil {
			return nil, err
		}
	case ErrorMsg:
		var err error
		if b, err = appendReason(b, m.Reason, m.Message); err != nil {
			return nil, err
		}
	case NotifyNewConnection:
		b = append(b, m.ID[:]...)
	case DataHello:
		b = append(b, m.ID[:]...)
	case Ping, Pong:
	default:
		return nil, fmt.Errorf("cannot encode message of type %T", m)
	}

	n := len(b) - start - HeaderSize
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	binary.BigEndian.PutUint32(b[start:], uint32(n))
	return b, nil
}

func appendReason(b []byte, r Reason, msg string) ([]byte, error) {
	if len(msg) > MaxFrameSize {
		return nil, fmt.Errorf("message too long: %d bytes", len(msg))
	}
	b = append(b, byte(r))
	b = binary.BigEndian.AppendUint16(b, uint16(len(msg)))
	return append(b, msg...), nil
}

// Unmarshal decodes exactly one complete frame, including its length prefix.
func Unmarshal(frame []byte) (Message, error) {
	if len(frame) < HeaderSize {
		return nil, violation("short frame: %d bytes", len(frame))
	}
	n := binary.BigEndian.Uint32(frame)
	if err := checkLength(n); err != nil {
		return nil, err
	}
	if uint32(len(frame)-HeaderSize) != n {
		return nil, violation("frame length %d does not match declared length %d", len(frame)-HeaderSize, n)
	}
	return decodePayload(frame[HeaderSize:])
}

// ReadMessage reads one frame from r. It reads exactly the bytes of that
// frame and nothing more, so any bytes that follow remain unread in r.
// Callers bound the wait with a read deadline on the underlying connection.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if err := checkLength(n); err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return decodePayload(payload)
}

// WriteMessage encodes m and writes it to w in a single Write call.
func WriteMessage(w io.Writer, m Message) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func checkLength(n uint32) error {
	if n == 0 {
		return violation("empty frame")
	}
	if n > MaxFrameSize {
		return violation("frame length %d exceeds maximum %d", n, MaxFrameSize)
	}
	return nil
}

// decodePayload decodes a tag and body. The body must be consumed exactly.
func decodePayload(p []byte) (Message, error) {
	kind := Kind(p[0])
	d := decoder{buf: p[1:]}

	var m Message
	switch kind {
	case KindHello:
		m = Hello{Version: d.uint16()}
	case KindChallenge:
		var c Challenge
		d.fixed(c.Nonce[:])
		m = c
	case KindChallengeResponse:
		var c ChallengeResponse
		d.fixed(c.Proof[:])
		m = c
	case KindRegister:
		label := d.bytes(int(d.uint8()))
		m = Register{
			Label:     string(label),
			Protocol:  Protocol(d.uint8()),
			LocalPort: d.uint16(),
		}
	case KindAssigned:
		m = Assigned{Port: d.uint16()}
	case KindReject:
		r := Reason(d.uint8())
		m = Reject{Reason: r, Message: string(d.bytes(int(d.uint16())))}
	case KindError:
		r := Reason(d.uint8())
		m = ErrorMsg{Reason: r, Message: string(d.bytes(int(d.uint16())))}
	case KindNotifyNewConnection:
		var id uuid.UUID
		d.fixed(id[:])
		m = NotifyNewConnection{ID: id}
	case KindDataHello:
		var id uuid.UUID
		d.fixed(id[:])
		m = DataHello{ID: id}
	case KindPing:
		m = Ping{}
	case KindPong:
		m = Pong{}
	default:
		return nil, violation("unknown message tag 0x%02x", uint8(kind))
	}

	if d.short {
		return nil, violation("truncated %s body", kind)
	}
	if len(d.buf) != 0 {
		return nil, violation("%d trailing bytes after %s body", len(d.buf), kind)
	}
	return m, nil
}

// decoder consumes a body; reads past the end set short and yield zeros.
type decoder struct {
	buf   []byte
	short bool
}

func (d *decoder) bytes(n int) []byte {
	if n > len(d.buf) {
		d.short = true
		d.buf = nil
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) fixed(dst []byte) {
	copy(dst, d.bytes(len(dst)))
}

func (d *decoder) uint8() uint8 {
	b := d.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) uint16() uint16 {
	b := d.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}
