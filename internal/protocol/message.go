// Package protocol defines the wire format for the sshx tunnel protocol.
//
// Every connection to the relay begins with a single framed message that
// identifies its purpose: Hello opens a control connection, DataHello opens
// a data connection for a previously announced inbound connection. Control
// connections keep exchanging frames for the lifetime of the session; data
// connections switch to raw bytes immediately after DataHello.
package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// CurrentVersion is the current protocol version.
const CurrentVersion = 1

const (
	// NonceSize is the length of a Challenge nonce.
	NonceSize = 32
	// ProofSize is the length of a ChallengeResponse proof (HMAC-SHA256 output).
	ProofSize = 32
	// MaxLabelLength is the longest label a Register message may carry.
	MaxLabelLength = 63
)

// Kind is the one-byte tag identifying a message variant on the wire.
type Kind uint8

const (
	KindHello               Kind = 0x01
	KindChallenge           Kind = 0x02
	KindChallengeResponse   Kind = 0x03
	KindRegister            Kind = 0x04
	KindAssigned            Kind = 0x05
	KindReject              Kind = 0x06
	KindNotifyNewConnection Kind = 0x07
	KindDataHello           Kind = 0x08
	KindPing                Kind = 0x09
	KindPong                Kind = 0x0A
	KindError               Kind = 0x0B
)

var kindNames = map[Kind]string{
	KindHello:               "Hello",
	KindChallenge:           "Challenge",
	KindChallengeResponse:   "ChallengeResponse",
	KindRegister:            "Register",
	KindAssigned:            "Assigned",
	KindReject:              "Reject",
	KindNotifyNewConnection: "NotifyNewConnection",
	KindDataHello:           "DataHello",
	KindPing:                "Ping",
	KindPong:                "Pong",
	KindError:               "Error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(0x%02x)", uint8(k))
}

// Protocol is the kind of service a client publishes.
type Protocol uint8

const (
	ProtocolHTTP Protocol = 1
	ProtocolTCP  Protocol = 2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "http"
	case ProtocolTCP:
		return "tcp"
	default:
		return fmt.Sprintf("Protocol(%d)", uint8(p))
	}
}

// MarshalText encodes p by name, so JSON listings read "tcp" or "http".
func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Valid reports whether p is a recognized protocol kind.
func (p Protocol) Valid() bool {
	return p == ProtocolHTTP || p == ProtocolTCP
}

// Reason is the reason code carried by Reject and Error messages.
type Reason uint8

const (
	ReasonAuthFailed         Reason = 1
	ReasonPortExhausted      Reason = 2
	ReasonProtocolViolation  Reason = 3
	ReasonInvalidRegister    Reason = 4
	ReasonUnsupportedVersion Reason = 5
	ReasonInternal           Reason = 6
	ReasonKeepaliveTimeout   Reason = 7
)

func (r Reason) String() string {
	switch r {
	case ReasonAuthFailed:
		return "auth_failed"
	case ReasonPortExhausted:
		return "port_exhausted"
	case ReasonProtocolViolation:
		return "protocol_violation"
	case ReasonInvalidRegister:
		return "invalid_register"
	case ReasonUnsupportedVersion:
		return "unsupported_version"
	case ReasonInternal:
		return "internal"
	case ReasonKeepaliveTimeout:
		return "keepalive_timeout"
	default:
		return fmt.Sprintf("reason_%d", uint8(r))
	}
}

// Message is implemented by every message variant.
type Message interface {
	Kind() Kind
}

// Hello opens a control connection (client → relay). The relay answers with
// Hello when no authentication is required, or with Challenge otherwise.
type Hello struct {
	Version uint16
}

// Challenge carries a fresh random nonce (relay → client).
type Challenge struct {
	Nonce [NonceSize]byte
}

// ChallengeResponse carries the HMAC proof over the challenge nonce.
type ChallengeResponse struct {
	Proof [ProofSize]byte
}

// Register asks the relay to publish a tunnel.
type Register struct {
	// Label is display text only; routing is by public port.
	Label    string
	Protocol Protocol
	// LocalPort is informational; the relay never dials it.
	LocalPort uint16
}

// Assigned acknowledges Register with the allocated public port.
type Assigned struct {
	Port uint16
}

// Reject refuses a handshake. The relay closes the connection after sending it.
type Reject struct {
	Reason  Reason
	Message string
}

// NotifyNewConnection announces an inbound public connection awaiting a
// data connection carrying the same ID.
type NotifyNewConnection struct {
	ID uuid.UUID
}

// DataHello is the first and only frame on a data connection.
type DataHello struct {
	ID uuid.UUID
}

// Ping is a keepalive request; the receiver answers with Pong.
type Ping struct{}

// Pong answers Ping.
type Pong struct{}

// ErrorMsg reports a failure on an established control connection.
type ErrorMsg struct {
	Reason  Reason
	Message string
}

func (Hello) Kind() Kind               { return KindHello }
func (Challenge) Kind() Kind           { return KindChallenge }
func (ChallengeResponse) Kind() Kind   { return KindChallengeResponse }
func (Register) Kind() Kind            { return KindRegister }
func (Assigned) Kind() Kind            { return KindAssigned }
func (Reject) Kind() Kind              { return KindReject }
func (NotifyNewConnection) Kind() Kind { return KindNotifyNewConnection }
func (DataHello) Kind() Kind           { return KindDataHello }
func (Ping) Kind() Kind                { return KindPing }
func (Pong) Kind() Kind                { return KindPong }
func (ErrorMsg) Kind() Kind            { return KindError }

// RejectError is returned to callers when the peer refused the handshake or
// reported an error on the control connection.
type RejectError struct {
	Reason  Reason
	Message string
}

func (e *RejectError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rejected by relay: %s", e.Reason)
	}
	return fmt.Sprintf("rejected by relay: %s: %s", e.Reason, e.Message)
}

// Err converts a Reject into a *RejectError.
func (r Reject) Err() error { return &RejectError{Reason: r.Reason, Message: r.Message} }

// Err converts an ErrorMsg into a *RejectError.
func (m ErrorMsg) Err() error { return &RejectError{Reason: m.Reason, Message: m.Message} }
