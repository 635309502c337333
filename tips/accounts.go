// Package tips estimates the priority payment for a bundle and picks where it is paid.
package tips

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/gagliardetto/solana-go"
)

var ErrNoTipAccounts = errors.New("no tip accounts configured")

// DefaultAccounts are the block engine's published tip payment accounts.
var DefaultAccounts = []solana.PublicKey{
	solana.MustPublicKeyFromBase58("96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5"),
	solana.MustPublicKeyFromBase58("HFqU5x63VTqvQss8hp11i4wVV8bD44PvwucfZ2bU7gRe"),
	solana.MustPublicKeyFromBase58("Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY"),
	solana.MustPublicKeyFromBase58("ADaUMid9yfUytqMBgopwjb2DTLSokTSzL1zt6iGPaS49"),
	solana.MustPublicKeyFromBase58("DfXygSm4jCyNCybVYYK6DwvWqjKee8pbDmJGcLWNDXjh"),
	solana.MustPublicKeyFromBase58("ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt"),
	solana.MustPublicKeyFromBase58("DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL"),
	solana.MustPublicKeyFromBase58("3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT"),
}

// Accounts picks a tip destination uniformly at random so concurrent callers do not all
// write-lock the same account.
type Accounts struct {
	mu       sync.Mutex
	rng      *rand.Rand
	accounts []solana.PublicKey
}

// NewAccounts takes the random source explicitly so selection is reproducible in tests.
func NewAccounts(accounts []solana.PublicKey, rng *rand.Rand) (*Accounts, error) {
	if len(accounts) == 0 {
		return nil, ErrNoTipAccounts
	}
	cp := make([]solana.PublicKey, len(accounts))
	copy(cp, accounts)
	return &Accounts{rng: rng, accounts: cp}, nil
}

func (a *Accounts) Pick() solana.PublicKey {
	a.mu.Lock()
	idx := a.rng.Intn(len(a.accounts))
	a.mu.Unlock()
	return a.accounts[idx]
}

func (a *Accounts) All() []solana.PublicKey {
	cp := make([]solana.PublicKey, len(a.accounts))
	copy(cp, a.accounts)
	return cp
}
