package bundle

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/opexlabs/opex-node/tips"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func signedTx(t *testing.T, payer solana.PrivateKey, memo string) *solana.Transaction {
	t.Helper()
	ix := solana.NewInstruction(
		solana.MemoProgramID,
		solana.AccountMetaSlice{solana.NewAccountMeta(payer.PublicKey(), true, true)},
		[]byte(memo),
	)
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{1, 2, 3}, solana.TransactionPayer(payer.PublicKey()))
	require.NoError(t, err)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer
		}
		return nil
	})
	require.NoError(t, err)
	return tx
}

func testBundle(t *testing.T, n int) *Bundle {
	t.Helper()
	payer := solana.NewWallet().PrivateKey
	txs := make([]*solana.Transaction, n)
	for i := range txs {
		txs[i] = signedTx(t, payer, string(rune('a'+i)))
	}
	b, err := NewBundle(txs...)
	require.NoError(t, err)
	return b
}

type fakeEngine struct {
	simResult *SimulateBundleResult
	simErr    error
	simWatch  []solana.PublicKey

	sendFn   func(call int) (string, error)
	statusFn func(call int) ([]*BundleStatusResult, error)

	simCalls    atomic.Int32
	sendCalls   atomic.Int32
	statusCalls atomic.Int32
}

func (f *fakeEngine) SimulateBundle(_ context.Context, _ []string, watch []solana.PublicKey) (*SimulateBundleResult, error) {
	f.simCalls.Add(1)
	f.simWatch = watch
	return f.simResult, f.simErr
}

func (f *fakeEngine) SendBundle(_ context.Context, _ []string) (string, error) {
	call := int(f.sendCalls.Add(1))
	return f.sendFn(call)
}

func (f *fakeEngine) GetBundleStatuses(_ context.Context, _ []string) ([]*BundleStatusResult, error) {
	call := int(f.statusCalls.Add(1))
	return f.statusFn(call)
}

type fakeChain struct {
	mu     sync.Mutex
	calls  int
	respFn func(call int, sigs []solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

func (f *fakeChain) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.respFn(call, sigs)
}

func allLanded(_ int, sigs []solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	res := &rpc.GetSignatureStatusesResult{Value: make([]*rpc.SignatureStatusesResult, len(sigs))}
	for i := range sigs {
		res.Value[i] = &rpc.SignatureStatusesResult{Slot: 42, ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
	}
	return res, nil
}

type fakeTips struct {
	lamports uint64
	err      error
}

func (f fakeTips) FetchTip(context.Context) (uint64, error) {
	return f.lamports, f.err
}

func succeeded(logs ...[]string) *SimulateBundleResult {
	res := &SimulateBundleResult{Summary: json.RawMessage(`"succeeded"`)}
	for _, l := range logs {
		res.TransactionResults = append(res.TransactionResults, SimulatedTransaction{Logs: l})
	}
	return res
}

func bundleStatus(id, level string, slot uint64) []*BundleStatusResult {
	return []*BundleStatusResult{{
		BundleID:           id,
		Slot:               slot,
		ConfirmationStatus: level,
		Err:                json.RawMessage(`{"Ok":null}`),
	}}
}

func testConfig() Config {
	cfg := DefaultConfig
	cfg.BundlePollInterval = time.Millisecond
	cfg.StatusPollInterval = time.Millisecond
	cfg.StatusTimeout = 2 * time.Second
	cfg.BundleTimeout = 2 * time.Second
	cfg.Retry = RetryPolicy{InitialDelay: time.Millisecond, Multiplier: 2, Timeout: time.Second}
	return cfg
}

func newTestCoordinator(t *testing.T, cfg Config, engine BlockEngine, chain ChainClient, tipSource TipSource) *Coordinator {
	t.Helper()
	accounts, err := tips.NewAccounts(tips.DefaultAccounts, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	return NewCoordinator(zap.NewNop(), cfg, engine, chain, tipSource, accounts)
}
