// Package signer produces canonical P-256 signatures over WebAuthn-style assertion messages.
//
// Signatures are always 64 bytes, big-endian r || s, with s normalized to the lower half of the
// curve order. The remote verifier only accepts this low-S form.
package signer

import (
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const (
	SignatureLength           = 64
	CompressedPublicKeyLength = 33
	scalarLength              = 32
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMalformedDER     = errors.New("malformed DER signature")

	curveOrder     = elliptic.P256().Params().N
	halfCurveOrder = new(big.Int).Rsh(curveOrder, 1)
)

// Signature is r || s, both big-endian and exactly 32 bytes.
type Signature [SignatureLength]byte

func (s Signature) R() *big.Int {
	return new(big.Int).SetBytes(s[:scalarLength])
}

func (s Signature) S() *big.Int {
	return new(big.Int).SetBytes(s[scalarLength:])
}

func (s Signature) Bytes() []byte {
	out := make([]byte, SignatureLength)
	copy(out, s[:])
	return out
}

// IsLowS reports whether s is in the lower half of the curve order.
func (s Signature) IsLowS() bool {
	v := s.S()
	return v.Sign() > 0 && v.Cmp(halfCurveOrder) <= 0
}

// Normalize converts the raw output of an underlying signer into a canonical Signature.
// DER input (SEQUENCE of two INTEGERs) is recognised first; anything else must be a
// fixed-width 64 byte r || s.
func Normalize(raw []byte) (Signature, error) {
	r, s, err := splitSignature(raw)
	if err != nil {
		return Signature{}, err
	}
	return normalize(r, s)
}

func splitSignature(raw []byte) (*big.Int, *big.Int, error) {
	if len(raw) > 0 && raw[0] == 0x30 {
		r, s, err := parseDER(raw)
		if err == nil {
			return r, s, nil
		}
		if len(raw) != SignatureLength {
			return nil, nil, err
		}
	}
	if len(raw) != SignatureLength {
		return nil, nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidSignature, len(raw))
	}
	return new(big.Int).SetBytes(raw[:scalarLength]), new(big.Int).SetBytes(raw[scalarLength:]), nil
}

func parseDER(raw []byte) (*big.Int, *big.Int, error) {
	var (
		r, s  = new(big.Int), new(big.Int)
		inner cryptobyte.String
	)
	input := cryptobyte.String(raw)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, nil, ErrMalformedDER
	}
	return r, s, nil
}

func normalize(r, s *big.Int) (Signature, error) {
	if r.Sign() <= 0 || r.Cmp(curveOrder) >= 0 {
		return Signature{}, fmt.Errorf("%w: r out of range", ErrInvalidSignature)
	}
	if s.Sign() <= 0 || s.Cmp(curveOrder) >= 0 {
		return Signature{}, fmt.Errorf("%w: s out of range", ErrInvalidSignature)
	}
	if s.Cmp(halfCurveOrder) > 0 {
		s = new(big.Int).Sub(curveOrder, s)
	}

	var sig Signature
	copy(sig[:scalarLength], math.PaddedBigBytes(r, scalarLength))
	copy(sig[scalarLength:], math.PaddedBigBytes(s, scalarLength))
	return sig, nil
}
