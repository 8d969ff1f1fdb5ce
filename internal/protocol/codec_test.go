package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func sampleMessages() []Message {
	var nonce [NonceSize]byte
	var proof [ProofSize]byte
	for i := range nonce {
		nonce[i] = byte(i)
		proof[i] = byte(255 - i)
	}
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	return []Message{
		Hello{Version: CurrentVersion},
		Challenge{Nonce: nonce},
		ChallengeResponse{Proof: proof},
		Register{Label: "myapp", Protocol: ProtocolTCP, LocalPort: 22},
		Register{Label: "", Protocol: ProtocolHTTP, LocalPort: 0},
		Assigned{Port: 4521},
		Reject{Reason: ReasonAuthFailed, Message: "invalid proof"},
		Reject{Reason: ReasonPortExhausted},
		NotifyNewConnection{ID: id},
		DataHello{ID: id},
		Ping{},
		Pong{},
		ErrorMsg{Reason: ReasonKeepaliveTimeout, Message: "no pong"},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, m := range sampleMessages() {
		t.Run(m.Kind().String(), func(t *testing.T) {
			frame, err := Marshal(m)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := Unmarshal(frame)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if diff := cmp.Diff(m, got); diff != "" {
				t.Errorf("decode(encode(m)) mismatch (-want +got):\n%s", diff)
			}
			again, err := Marshal(got)
			if err != nil {
				t.Fatalf("re-marshal: %v", err)
			}
			if !bytes.Equal(frame, again) {
				t.Errorf("encode(decode(b)) = %x, want %x", again, frame)
			}
		})
	}
}

// Every frame that decodes re-encodes to exactly the same bytes.
func FuzzUnmarshal(f *testing.F) {
	for _, m := range sampleMessages() {
		frame, err := Marshal(m)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(frame)
	}
	f.Add([]byte{0, 0, 0, 1, 0xff})
	f.Add([]byte{0, 0, 0, 4, byte(KindRegister), 5, 'a', 'b'})

	f.Fuzz(func(t *testing.T, b []byte) {
		m, err := Unmarshal(b)
		if err != nil {
			if !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("Unmarshal(%x) = %v, want a protocol violation", b, err)
			}
			return
		}
		again, err := Marshal(m)
		if err != nil {
			t.Fatalf("Marshal(%#v): %v", m, err)
		}
		if !bytes.Equal(again, b) {
			t.Errorf("encode(decode(%x)) = %x", b, again)
		}
	})
}

func TestReadMessageSplitReads(t *testing.T) {
	var stream bytes.Buffer
	msgs := sampleMessages()
	for _, m := range msgs {
		if err := WriteMessage(&stream, m); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	// One byte per Read forces every frame to be reassembled.
	r := iotest.OneByteReader(&stream)
	for i, want := range msgs {
		got, err := ReadMessage(r)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("message %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	if _, err := ReadMessage(r); !errors.Is(err, io.EOF) {
		t.Errorf("after last frame: err = %v, want io.EOF", err)
	}
}

func TestReadMessageDoesNotOverRead(t *testing.T) {
	id := uuid.New()
	var stream bytes.Buffer
	if err := WriteMessage(&stream, DataHello{ID: id}); err != nil {
		t.Fatal(err)
	}
	stream.WriteString("SSH-2.0-OpenSSH_9.6\r\n")

	m, err := ReadMessage(&stream)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if dh, ok := m.(DataHello); !ok || dh.ID != id {
		t.Fatalf("got %#v, want DataHello{%s}", m, id)
	}
	if got := stream.String(); got != "SSH-2.0-OpenSSH_9.6\r\n" {
		t.Errorf("remaining stream = %q", got)
	}
}

func frame(payload ...byte) []byte {
	b := binary.BigEndian.AppendUint32(nil, uint32(len(payload)))
	return append(b, payload...)
}

func TestDecodeViolations(t *testing.T) {
	oversized := binary.BigEndian.AppendUint32(nil, MaxFrameSize+1)

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty frame", frame()},
		{"oversized length", oversized},
		{"unknown tag", frame(0x7f)},
		{"zero tag", frame(0x00)},
		{"truncated hello", frame(byte(KindHello), 0x01)},
		{"trailing bytes", frame(byte(KindPing), 0x00)},
		{"truncated challenge", frame(append([]byte{byte(KindChallenge)}, make([]byte, NonceSize-1)...)...)},
		{"label longer than body", frame(byte(KindRegister), 10, 'a', 'b')},
		{"reject message longer than body", frame(byte(KindReject), 1, 0x00, 0x09, 'x')},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(tt.input))
			if !errors.Is(err, ErrProtocolViolation) {
				t.Errorf("ReadMessage err = %v, want ErrProtocolViolation", err)
			}
		})
	}
}

func TestReadMessageOversizedDoesNotAllocate(t *testing.T) {
	// A hostile length must be rejected from the header alone.
	hdr := binary.BigEndian.AppendUint32(nil, 1<<31)
	_, err := ReadMessage(io.MultiReader(bytes.NewReader(hdr), iotest.ErrReader(errors.New("must not read body"))))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("err = %v, want ErrProtocolViolation", err)
	}
}

func TestReadMessageTruncatedBody(t *testing.T) {
	b, _ := Marshal(Assigned{Port: 2000})
	_, err := ReadMessage(bytes.NewReader(b[:len(b)-1]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestUnmarshalLengthMismatch(t *testing.T) {
	b, _ := Marshal(Ping{})
	b = append(b, 0x00)
	if _, err := Unmarshal(b); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("err = %v, want ErrProtocolViolation", err)
	}
}

func TestMarshalRejectsUnrepresentable(t *testing.T) {
	if _, err := Marshal(Register{Label: strings.Repeat("a", 256)}); err == nil {
		t.Error("expected error for 256-byte label")
	}
	if _, err := Marshal(Reject{Message: strings.Repeat("x", MaxFrameSize)}); err == nil {
		t.Error("expected error for oversized reject message")
	}
}

func TestRejectError(t *testing.T) {
	err := Reject{Reason: ReasonAuthFailed, Message: "bad proof"}.Err()
	var re *RejectError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RejectError, got %T", err)
	}
	if re.Reason != ReasonAuthFailed {
		t.Errorf("reason = %v, want %v", re.Reason, ReasonAuthFailed)
	}
	if !strings.Contains(err.Error(), "auth_failed") {
		t.Errorf("error text %q should mention the reason", err.Error())
	}
}
