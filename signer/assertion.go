package signer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	"github.com/go-webauthn/webauthn/protocol"
)

const AuthenticatorContextLength = sha256.Size + 1 + 4

// DefaultFlags marks the assertion as user present and user verified.
const DefaultFlags = protocol.FlagUserPresent | protocol.FlagUserVerified

// ClientContext is the JSON document the authenticator's client binds into the assertion.
// Field order is fixed by the struct, the verifier hashes the exact bytes it is given.
type ClientContext struct {
	Type      protocol.CeremonyType `json:"type"`
	Challenge string                `json:"challenge"`
	Origin    string                `json:"origin"`
	AppID     string                `json:"appId,omitempty"`
}

func NewClientContext(challenge []byte, origin, appID string) ClientContext {
	return ClientContext{
		Type:      protocol.AssertCeremony,
		Challenge: base64.RawURLEncoding.EncodeToString(challenge),
		Origin:    origin,
		AppID:     appID,
	}
}

func (c ClientContext) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// AuthenticatorContext encodes rpIdHash(32) || flags(1) || counter(4, big-endian).
func AuthenticatorContext(rpIDHash [sha256.Size]byte, flags protocol.AuthenticatorFlags, counter uint32) []byte {
	out := make([]byte, 0, AuthenticatorContextLength)
	out = append(out, rpIDHash[:]...)
	out = append(out, byte(flags))
	out = binary.BigEndian.AppendUint32(out, counter)
	return out
}

// SignedData returns authenticatorContext || SHA256(clientContext), the preimage that the
// verifier hashes once more before checking the signature.
func SignedData(authenticatorContext, clientContext []byte) []byte {
	clientHash := sha256.Sum256(clientContext)
	out := make([]byte, 0, len(authenticatorContext)+len(clientHash))
	out = append(out, authenticatorContext...)
	out = append(out, clientHash[:]...)
	return out
}

// AssertionMessage is SHA256(authenticatorContext || SHA256(clientContext)).
func AssertionMessage(authenticatorContext, clientContext []byte) [sha256.Size]byte {
	return sha256.Sum256(SignedData(authenticatorContext, clientContext))
}

// Assertion is everything a verifier needs to recompute and check one signed assertion.
type Assertion struct {
	AuthenticatorContext []byte
	ClientContext        []byte
	SignedData           []byte
	Message              [sha256.Size]byte
	Signature            Signature
	// PublicKey is the 33 byte SEC1 compressed authenticator key.
	PublicKey []byte
}
