package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/opexlabs/opex-node/adapters/redis"
	"github.com/opexlabs/opex-node/bundle"
	"github.com/opexlabs/opex-node/store"
	"github.com/opexlabs/opex-node/tips"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func encodedTxs(t *testing.T, n int) []string {
	t.Helper()
	payer := solana.NewWallet().PrivateKey
	txs := make([]string, n)
	for i := range txs {
		ix := solana.NewInstruction(
			solana.MemoProgramID,
			solana.AccountMetaSlice{solana.NewAccountMeta(payer.PublicKey(), true, true)},
			[]byte{byte('a' + i)},
		)
		tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{9}, solana.TransactionPayer(payer.PublicKey()))
		require.NoError(t, err)
		_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
			if key.Equals(payer.PublicKey()) {
				return &payer
			}
			return nil
		})
		require.NoError(t, err)
		raw, err := tx.MarshalBinary()
		require.NoError(t, err)
		txs[i] = base64.StdEncoding.EncodeToString(raw)
	}
	return txs
}

type scheduled struct {
	item         *QueueItem
	highPriority bool
	maxSlot      uint64
}

type fakeScheduler struct {
	mu    sync.Mutex
	slot  uint64
	err   error
	items []scheduled
}

func (f *fakeScheduler) ScheduleExecution(_ context.Context, item *QueueItem, highPriority bool, maxSlot uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, scheduled{item, highPriority, maxSlot})
	return nil
}

func (f *fakeScheduler) CurrentSlot() uint64 {
	return f.slot
}

func (f *fakeScheduler) scheduled() []scheduled {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduled(nil), f.items...)
}

type fakeSimulator struct {
	outcome *bundle.SimulationOutcome
	err     error
	watch   []solana.PublicKey
}

func (f *fakeSimulator) Simulate(_ context.Context, _ *bundle.Bundle, watch []solana.PublicKey) (*bundle.SimulationOutcome, error) {
	f.watch = watch
	return f.outcome, f.err
}

type fakeQuoter struct {
	calls atomic.Int32
	delay time.Duration
}

func (f *fakeQuoter) Quote(context.Context) tips.Quote {
	f.calls.Add(1)
	time.Sleep(f.delay)
	return tips.Quote{Lamports: 12_345, Account: tips.DefaultAccounts[0]}
}

type memStatuses struct {
	mu       sync.Mutex
	records  map[string]redis.StatusRecord
	attempts map[string]uint64
	history  []bundle.Status
}

func newMemStatuses() *memStatuses {
	return &memStatuses{records: map[string]redis.StatusRecord{}, attempts: map[string]uint64{}}
}

func (m *memStatuses) Set(_ context.Context, record redis.StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.RequestID] = record
	m.history = append(m.history, record.Status)
	return nil
}

func (m *memStatuses) Get(_ context.Context, requestID string) (*redis.StatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[requestID]
	if !ok {
		return nil, redis.ErrStatusNotFound
	}
	record.Attempts = m.attempts[requestID]
	return &record, nil
}

func (m *memStatuses) IncAttempts(_ context.Context, requestID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[requestID]++
	return m.attempts[requestID], nil
}

func (m *memStatuses) statusHistory() []bundle.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bundle.Status(nil), m.history...)
}

type memStorage struct {
	mu         sync.Mutex
	executions map[string]*store.DBExecution
	updates    []store.ExecutionUpdate
}

func newMemStorage() *memStorage {
	return &memStorage{executions: map[string]*store.DBExecution{}}
}

func (m *memStorage) InsertExecution(_ context.Context, execution *store.DBExecution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[execution.RequestID]; ok {
		return true, nil
	}
	m.executions[execution.RequestID] = execution
	return false, nil
}

func (m *memStorage) UpdateExecution(_ context.Context, update store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, update)
	return nil
}

func (m *memStorage) lastUpdate() store.ExecutionUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates[len(m.updates)-1]
}

// scriptedEngine is a block engine that accepts every bundle and finalizes it at slot 42.
type scriptedEngine struct {
	summary string
	simErr  error
	sendErr error
	// statusErr fails every status poll
	statusErr error
	// level overrides the reported confirmation status
	level string
}

func (e *scriptedEngine) SimulateBundle(context.Context, []string, []solana.PublicKey) (*bundle.SimulateBundleResult, error) {
	if e.simErr != nil {
		return nil, e.simErr
	}
	return &bundle.SimulateBundleResult{
		Summary:            json.RawMessage(e.summary),
		TransactionResults: []bundle.SimulatedTransaction{{Logs: []string{"Program log: ok"}}},
	}, nil
}

func (e *scriptedEngine) SendBundle(context.Context, []string) (string, error) {
	if e.sendErr != nil {
		return "", e.sendErr
	}
	return "bundle-1", nil
}

func (e *scriptedEngine) GetBundleStatuses(_ context.Context, ids []string) ([]*bundle.BundleStatusResult, error) {
	if e.statusErr != nil {
		return nil, e.statusErr
	}
	level := "finalized"
	if e.level != "" {
		level = e.level
	}
	return []*bundle.BundleStatusResult{{
		BundleID:           ids[0],
		Slot:               42,
		ConfirmationStatus: level,
		Err:                json.RawMessage(`{"Ok":null}`),
	}}, nil
}

type landedChain struct{}

func (landedChain) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	res := &rpc.GetSignatureStatusesResult{Value: make([]*rpc.SignatureStatusesResult, len(sigs))}
	for i := range sigs {
		res.Value[i] = &rpc.SignatureStatusesResult{Slot: 42, ConfirmationStatus: rpc.ConfirmationStatusFinalized}
	}
	return res, nil
}

func newTestCoordinator(t *testing.T, engine bundle.BlockEngine) *bundle.Coordinator {
	t.Helper()
	cfg := bundle.DefaultConfig
	cfg.BundlePollInterval = time.Millisecond
	cfg.StatusPollInterval = time.Millisecond
	cfg.StatusTimeout = time.Second
	cfg.BundleTimeout = time.Second
	cfg.Retry = bundle.RetryPolicy{InitialDelay: time.Millisecond, Multiplier: 2, Timeout: 50 * time.Millisecond}
	accounts, err := tips.NewAccounts(tips.DefaultAccounts, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	return bundle.NewCoordinator(zap.NewNop(), cfg, engine, landedChain{}, nil, accounts)
}
