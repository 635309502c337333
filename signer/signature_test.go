package signer

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

func encodeDER(t *testing.T, r, s *big.Int) []byte {
	t.Helper()
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	der, err := b.Bytes()
	require.NoError(t, err)
	return der
}

func fixedWidth(r, s *big.Int) []byte {
	out := make([]byte, SignatureLength)
	r.FillBytes(out[:scalarLength])
	s.FillBytes(out[scalarLength:])
	return out
}

func TestNormalizeHighS(t *testing.T) {
	rng := rand.New(rand.NewSource(7)) //nolint:gosec
	r := big.NewInt(12345)
	for i := 0; i < 64; i++ {
		// s in (n/2, n)
		offset := new(big.Int).Rand(rng, halfCurveOrder)
		s := new(big.Int).Add(halfCurveOrder, offset)
		s.Add(s, big.NewInt(1))
		if s.Cmp(curveOrder) >= 0 {
			continue
		}

		sig, err := Normalize(fixedWidth(r, s))
		require.NoError(t, err)

		want := new(big.Int).Sub(curveOrder, s)
		require.Equal(t, 0, want.Cmp(sig.S()))
		require.True(t, sig.S().Sign() > 0)
		require.True(t, sig.S().Cmp(halfCurveOrder) <= 0)
		require.True(t, sig.IsLowS())
		require.Equal(t, 0, r.Cmp(sig.R()))
	}
}

func TestNormalizeLowSUnchanged(t *testing.T) {
	r := big.NewInt(99)
	s := new(big.Int).Set(halfCurveOrder)
	sig, err := Normalize(fixedWidth(r, s))
	require.NoError(t, err)
	require.Equal(t, 0, s.Cmp(sig.S()))
}

func TestNormalizeDER(t *testing.T) {
	highS := new(big.Int).Sub(curveOrder, big.NewInt(5))
	// r with the top bit set is DER encoded with a leading zero byte (33 bytes)
	wideR := new(big.Int).Sub(curveOrder, big.NewInt(1))

	tests := []struct {
		name  string
		r, s  *big.Int
		wantS *big.Int
	}{
		{name: "short integers", r: big.NewInt(1), s: big.NewInt(2), wantS: big.NewInt(2)},
		{name: "padded r", r: wideR, s: big.NewInt(3), wantS: big.NewInt(3)},
		{name: "high s", r: big.NewInt(8), s: highS, wantS: big.NewInt(5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			der := encodeDER(t, tt.r, tt.s)
			require.NotEqual(t, SignatureLength, len(der))

			sig, err := Normalize(der)
			require.NoError(t, err)
			require.Len(t, sig.Bytes(), SignatureLength)
			require.Equal(t, 0, tt.r.Cmp(sig.R()))
			require.Equal(t, 0, tt.wantS.Cmp(sig.S()))
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		err  error
	}{
		{name: "zero r", raw: fixedWidth(big.NewInt(0), big.NewInt(1)), err: ErrInvalidSignature},
		{name: "zero s", raw: fixedWidth(big.NewInt(1), big.NewInt(0)), err: ErrInvalidSignature},
		{name: "r equals order", raw: fixedWidth(curveOrder, big.NewInt(1)), err: ErrInvalidSignature},
		{name: "s equals order", raw: fixedWidth(big.NewInt(1), curveOrder), err: ErrInvalidSignature},
		{name: "short", raw: []byte{1, 2, 3}, err: ErrInvalidSignature},
		{name: "truncated der", raw: []byte{0x30, 0x06, 0x02, 0x01, 0x01}, err: ErrMalformedDER},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw)
			require.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("zero r in der", func(t *testing.T) {
		_, err := Normalize(encodeDER(t, big.NewInt(0), big.NewInt(1)))
		require.ErrorIs(t, err, ErrInvalidSignature)
	})
}
