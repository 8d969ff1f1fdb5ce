// Package tunnel holds the pieces shared by the relay and the client:
// challenge-response authentication, the splicer that relays bytes between
// two connections, control-channel keepalive, and transport dialing.
package tunnel

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/philsphicas/sshx/internal/protocol"
)

// ErrAuthFailed reports a missing or incorrect challenge response.
var ErrAuthFailed = errors.New("authentication failed")

// Nonce is the random challenge sent by the relay.
type Nonce = [protocol.NonceSize]byte

// Proof is the HMAC answer to a Nonce.
type Proof = [protocol.ProofSize]byte

// NewNonce returns a fresh cryptographically random nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// Respond computes the proof for nonce. The HMAC key is SHA-256(secret),
// so the secret itself never appears on the wire.
func Respond(nonce Nonce, secret string) Proof {
	mac := hmac.New(sha256.New, authKey(secret))
	mac.Write(nonce[:])
	var p Proof
	copy(p[:], mac.Sum(nil))
	return p
}

// Verify reports whether proof answers nonce under secret. The comparison
// runs in constant time.
func Verify(nonce Nonce, secret string, proof Proof) bool {
	want := Respond(nonce, secret)
	return hmac.Equal(want[:], proof[:])
}

func authKey(secret string) []byte {
	k := sha256.Sum256([]byte(secret))
	return k[:]
}
