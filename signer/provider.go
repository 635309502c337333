package signer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/go-webauthn/webauthn/protocol"
)

var (
	ErrInvalidMessage = errors.New("message must be a 32 byte digest")
	ErrInvalidKey     = errors.New("invalid P-256 private key")
)

// RawSigner is the underlying signing primitive. It may return DER or fixed-width output.
type RawSigner interface {
	SignDigest(digest []byte) ([]byte, error)
	PublicKey() *ecdsa.PublicKey
}

// KeyLoader returns a fresh copy of the private key on every call.
// The caller owns the returned key and clears it after use.
type KeyLoader func() (*ecdsa.PrivateKey, error)

// HexKeyLoader parses a hex encoded P-256 scalar on every call.
func HexKeyLoader(hexKey string) KeyLoader {
	return func() (*ecdsa.PrivateKey, error) {
		raw, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		return privateKeyFromScalar(raw)
	}
}

// StaticKeyLoader hands out copies of key so that clearing them leaves key intact.
func StaticKeyLoader(key *ecdsa.PrivateKey) KeyLoader {
	return func() (*ecdsa.PrivateKey, error) {
		cp := *key
		cp.D = new(big.Int).Set(key.D)
		return &cp, nil
	}
}

func privateKeyFromScalar(raw []byte) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() <= 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, ErrInvalidKey
	}
	key := &ecdsa.PrivateKey{D: d}
	key.PublicKey.Curve = curve
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(d.FillBytes(make([]byte, scalarLength)))
	return key, nil
}

// ECDSASigner signs with crypto/ecdsa and emits ASN.1 DER.
type ECDSASigner struct {
	load KeyLoader
	pub  *ecdsa.PublicKey
}

func NewECDSASigner(load KeyLoader) (*ECDSASigner, error) {
	key, err := load()
	if err != nil {
		return nil, err
	}
	pub := key.PublicKey
	clearKey(key)
	return &ECDSASigner{load: load, pub: &pub}, nil
}

func (e *ECDSASigner) SignDigest(digest []byte) ([]byte, error) {
	key, err := e.load()
	if err != nil {
		return nil, err
	}
	defer clearKey(key)
	return ecdsa.SignASN1(rand.Reader, key, digest)
}

func (e *ECDSASigner) PublicKey() *ecdsa.PublicKey {
	return e.pub
}

func clearKey(key *ecdsa.PrivateKey) {
	if key != nil && key.D != nil {
		key.D.SetInt64(0)
	}
}

type Options struct {
	// RPID is hashed into the authenticator context.
	RPID   string
	Origin string
	AppID  string
	Flags  protocol.AuthenticatorFlags
}

// Provider turns a RawSigner into canonical assertion signatures.
type Provider struct {
	signer   RawSigner
	rpIDHash [sha256.Size]byte
	origin   string
	appID    string
	flags    protocol.AuthenticatorFlags
	counter  atomic.Uint32
}

func NewProvider(signer RawSigner, opts Options) *Provider {
	flags := opts.Flags
	if flags == 0 {
		flags = DefaultFlags
	}
	return &Provider{
		signer:   signer,
		rpIDHash: sha256.Sum256([]byte(opts.RPID)),
		origin:   opts.Origin,
		appID:    opts.AppID,
		flags:    flags,
	}
}

// Sign signs a 32 byte message and returns it in low-S form.
func (p *Provider) Sign(message []byte) (Signature, error) {
	if len(message) != sha256.Size {
		return Signature{}, ErrInvalidMessage
	}
	raw, err := p.signer.SignDigest(message)
	if err != nil {
		return Signature{}, fmt.Errorf("sign digest: %w", err)
	}
	return Normalize(raw)
}

// PublicKey returns the SEC1 compressed public key.
func (p *Provider) PublicKey() []byte {
	pub := p.signer.PublicKey()
	return elliptic.MarshalCompressed(pub.Curve, pub.X, pub.Y)
}

// Assert builds and signs an assertion binding challenge.
func (p *Provider) Assert(challenge []byte) (*Assertion, error) {
	authCtx := AuthenticatorContext(p.rpIDHash, p.flags, p.counter.Add(1))
	clientCtx, err := NewClientContext(challenge, p.origin, p.appID).Marshal()
	if err != nil {
		return nil, err
	}

	message := AssertionMessage(authCtx, clientCtx)
	sig, err := p.Sign(message[:])
	if err != nil {
		return nil, err
	}
	return &Assertion{
		AuthenticatorContext: authCtx,
		ClientContext:        clientCtx,
		SignedData:           SignedData(authCtx, clientCtx),
		Message:              message,
		Signature:            sig,
		PublicKey:            p.PublicKey(),
	}, nil
}
