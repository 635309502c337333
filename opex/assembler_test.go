package opex

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/opexlabs/opex-node/bundle"
	"github.com/opexlabs/opex-node/signer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testProgramID = solana.MustPublicKeyFromBase58("Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS")

type fakeChain struct {
	slots     []uint64
	calls     int
	blockhash solana.Hash
}

func (f *fakeChain) GetSlot(context.Context, rpc.CommitmentType) (uint64, error) {
	idx := f.calls
	if idx >= len(f.slots) {
		idx = len(f.slots) - 1
	}
	f.calls++
	return f.slots[idx], nil
}

func (f *fakeChain) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: f.blockhash, LastValidBlockHeight: 2000}}, nil
}

type fakeExecutor struct {
	tip     uint64
	account solana.PublicKey
	result  *bundle.Result
	err     error

	executed     *bundle.Bundle
	simulateOnly bool
}

func (f *fakeExecutor) Execute(_ context.Context, b *bundle.Bundle, _ solana.PublicKey, simulateOnly bool, _ ...bundle.ExecuteOption) (*bundle.Result, error) {
	f.executed = b
	f.simulateOnly = simulateOnly
	return f.result, f.err
}

func (f *fakeExecutor) EstimateTip(context.Context) uint64 {
	return f.tip
}

func (f *fakeExecutor) TipAccount() solana.PublicKey {
	return f.account
}

type fixture struct {
	assembler *Assembler
	chain     *fakeChain
	executor  *fakeExecutor
	operator  solana.PrivateKey
	authKey   *ecdsa.PrivateKey
	targets   []solana.Instruction
}

func newFixture(t *testing.T, slots ...uint64) *fixture {
	t.Helper()
	authKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ecdsaSigner, err := signer.NewECDSASigner(signer.StaticKeyLoader(authKey))
	require.NoError(t, err)
	provider := signer.NewProvider(ecdsaSigner, signer.Options{RPID: "opex.example", Origin: "https://opex.example"})

	operator := solana.NewWallet().PrivateKey
	chain := &fakeChain{slots: slots, blockhash: solana.Hash{7, 7, 7}}
	executor := &fakeExecutor{tip: 5_000, account: solana.MustPublicKeyFromBase58("96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5")}

	assembler, err := NewAssembler(zap.NewNop(), Config{ProgramID: testProgramID, Window: DefaultWindow}, chain, provider, executor, operator)
	require.NoError(t, err)

	recipient := solana.NewWallet().PublicKey()
	targets := []solana.Instruction{
		solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{
			solana.NewAccountMeta(operator.PublicKey(), true, true),
		}, []byte("swap 1 SOL")),
		solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{
			solana.NewAccountMeta(recipient, false, false),
		}, []byte("notify")),
	}
	return &fixture{assembler: assembler, chain: chain, executor: executor, operator: operator, authKey: authKey, targets: targets}
}

func decodeTx(t *testing.T, tx *solana.Transaction) *solana.Transaction {
	t.Helper()
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	decoded, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	require.NoError(t, err)
	return decoded
}

func programOf(tx *solana.Transaction, ix solana.CompiledInstruction) solana.PublicKey {
	return tx.Message.AccountKeys[ix.ProgramIDIndex]
}

func TestBuildPhases(t *testing.T) {
	f := newFixture(t, 1000)
	plan, err := f.assembler.Build(context.Background(), Request{Targets: f.targets, TokenAmount: 250_000})
	require.NoError(t, err)

	require.Equal(t, uint64(1000), plan.CurrentSlot)
	require.Equal(t, uint64(1060), plan.Intent.MaxSlot)
	require.Equal(t, IntentNotStarted, plan.Intent.State)
	require.Equal(t, 3, plan.Bundle.Len())
	require.Equal(t, []*solana.Transaction{plan.Phases[0].Transaction, plan.Phases[1].Transaction, plan.Phases[2].Transaction}, plan.Bundle.Transactions())

	// phase 1: precompile then optimistic_validation(max_slot, target_hash, token_amount)
	phase1 := decodeTx(t, plan.Phases[0].Transaction)
	require.Len(t, phase1.Message.Instructions, 2)
	require.Equal(t, Secp256r1ProgramID, programOf(phase1, phase1.Message.Instructions[0]))
	require.Equal(t, testProgramID, programOf(phase1, phase1.Message.Instructions[1]))

	data := phase1.Message.Instructions[1].Data
	require.Len(t, data, 8+8+32+8)
	disc := Discriminator(InstructionOptimisticValidation)
	require.Equal(t, disc[:], []byte(data[:8]))
	require.Equal(t, uint64(1060), binary.LittleEndian.Uint64(data[8:16]))
	require.Equal(t, plan.Intent.TargetHash[:], []byte(data[16:48]))
	require.Equal(t, uint64(250_000), binary.LittleEndian.Uint64(data[48:56]))

	// phase 2: validate_optimistic_execution followed by the targets, hashed the same way
	phase2 := decodeTx(t, plan.Phases[1].Transaction)
	require.Len(t, phase2.Message.Instructions, 1+len(f.targets))
	validate := phase2.Message.Instructions[0]
	disc = Discriminator(InstructionValidateOptimisticExecution)
	require.Equal(t, disc[:], []byte(validate.Data))
	recomputed, err := ExecuteTargetHash(phase2)
	require.NoError(t, err)
	require.Equal(t, plan.Intent.TargetHash, recomputed)

	deconstructed, err := Deconstruct(f.targets)
	require.NoError(t, err)
	fromTargets, err := TargetHashOf(deconstructed)
	require.NoError(t, err)
	require.Equal(t, plan.Intent.TargetHash, fromTargets)

	// phase 3: post_optimistic_execution(tip) paying the tip account
	phase3 := decodeTx(t, plan.Phases[2].Transaction)
	post := phase3.Message.Instructions[0]
	require.Equal(t, uint64(5_000), binary.LittleEndian.Uint64(post.Data[8:16]))
	require.Contains(t, phase3.Message.AccountKeys, f.executor.account)
	require.Equal(t, uint64(5_000), plan.Tip.Lamports)

	// one shared blockhash, every phase signed by the operator
	for _, phase := range plan.Phases {
		require.Equal(t, f.chain.blockhash, phase.Transaction.Message.RecentBlockhash)
		require.NoError(t, phase.Transaction.VerifySignatures())
		require.Equal(t, f.operator.PublicKey(), phase.Transaction.Message.AccountKeys[0])
	}
}

func TestBuildTargetHashIsReproducible(t *testing.T) {
	f := newFixture(t, 1000)
	first, err := f.assembler.Build(context.Background(), Request{Targets: f.targets, TokenAmount: 1})
	require.NoError(t, err)
	second, err := f.assembler.Build(context.Background(), Request{Targets: f.targets, TokenAmount: 1})
	require.NoError(t, err)
	require.Equal(t, first.Intent.TargetHash, second.Intent.TargetHash)

	other, err := f.assembler.Build(context.Background(), Request{Targets: f.targets[:1], TokenAmount: 1})
	require.NoError(t, err)
	require.NotEqual(t, first.Intent.TargetHash, other.Intent.TargetHash)
}

func TestBuildAuthorizesIntent(t *testing.T) {
	f := newFixture(t, 1000)
	plan, err := f.assembler.Build(context.Background(), Request{Targets: f.targets, TokenAmount: 42})
	require.NoError(t, err)

	precompile := plan.Phases[0].Transaction.Message.Instructions[0].Data
	require.Equal(t, byte(1), precompile[0])
	require.Equal(t, uint16(secp256r1SignatureOffset), binary.LittleEndian.Uint16(precompile[2:4]))
	require.Equal(t, uint16(0xFFFF), binary.LittleEndian.Uint16(precompile[4:6]))
	require.Equal(t, uint16(secp256r1PublicKeyOffset), binary.LittleEndian.Uint16(precompile[6:8]))
	require.Equal(t, uint16(secp256r1MessageOffset), binary.LittleEndian.Uint16(precompile[10:12]))
	msgSize := binary.LittleEndian.Uint16(precompile[12:14])

	pub := precompile[secp256r1PublicKeyOffset:secp256r1SignatureOffset]
	sig := precompile[secp256r1SignatureOffset:secp256r1MessageOffset]
	signedData := precompile[secp256r1MessageOffset:]
	require.Equal(t, int(msgSize), len(signedData))
	require.Equal(t, elliptic.MarshalCompressed(elliptic.P256(), f.authKey.X, f.authKey.Y), []byte(pub))
	require.Equal(t, plan.Assertion.SignedData, []byte(signedData))

	digest := sha256.Sum256(signedData)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	require.True(t, ecdsa.Verify(&f.authKey.PublicKey, digest[:], r, s))

	var clientCtx struct {
		Challenge string `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(plan.Assertion.ClientContext, &clientCtx))
	challenge := Challenge(plan.Intent.MaxSlot, plan.Intent.TargetHash, 42)
	require.Equal(t, base64.RawURLEncoding.EncodeToString(challenge[:]), clientCtx.Challenge)
}

func TestBuildUsesRequestedTip(t *testing.T) {
	f := newFixture(t, 1000)
	plan, err := f.assembler.Build(context.Background(), Request{Targets: f.targets, TipLamports: 77})
	require.NoError(t, err)
	require.Equal(t, uint64(77), plan.Tip.Lamports)
	post := plan.Phases[2].Transaction.Message.Instructions[0].Data
	require.Equal(t, uint64(77), binary.LittleEndian.Uint64(post[8:16]))
}

func TestBuildRejectsEmptyTargets(t *testing.T) {
	f := newFixture(t, 1000)
	_, err := f.assembler.Build(context.Background(), Request{})
	require.ErrorIs(t, err, ErrNoTargets)
}

func TestNewAssemblerRequiresProgram(t *testing.T) {
	_, err := NewAssembler(zap.NewNop(), Config{}, &fakeChain{}, nil, nil, solana.NewWallet().PrivateKey)
	require.ErrorIs(t, err, ErrNoProgramID)
}

func TestExecuteMapsResultOntoIntent(t *testing.T) {
	t.Run("finalized", func(t *testing.T) {
		f := newFixture(t, 1000)
		f.executor.result = &bundle.Result{BundleID: "abc123", Slot: 1010, Status: bundle.StatusFinalized}
		exec, err := f.assembler.Execute(context.Background(), Request{Targets: f.targets}, solana.PublicKey{}, false)
		require.NoError(t, err)
		require.Equal(t, IntentSettled, exec.Plan.Intent.State)
		require.True(t, exec.Plan.Intent.Executed)
		require.Same(t, exec.Plan.Bundle, f.executor.executed)
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t, 1000, 1100)
		f.executor.result = &bundle.Result{BundleID: "abc123", Status: bundle.StatusSubmitted}
		f.executor.err = &bundle.ConfirmationTimeoutError{BundleID: "abc123", Loop: "bundle-status", Err: errors.New("deadline")}
		exec, err := f.assembler.Execute(context.Background(), Request{Targets: f.targets}, solana.PublicKey{}, false)
		require.ErrorIs(t, err, bundle.ErrConfirmationTimeout)
		require.Equal(t, IntentExpired, exec.Plan.Intent.State)
		require.False(t, exec.Plan.Intent.Executed)
	})

	t.Run("failed within window", func(t *testing.T) {
		f := newFixture(t, 1000, 1020)
		f.executor.result = &bundle.Result{Status: bundle.StatusSimulatedFailed}
		f.executor.err = &bundle.SimulationError{Message: "insufficient funds"}
		exec, err := f.assembler.Execute(context.Background(), Request{Targets: f.targets}, solana.PublicKey{}, false)
		require.ErrorIs(t, err, bundle.ErrSimulationFailed)
		require.Equal(t, IntentNotStarted, exec.Plan.Intent.State)
	})

	t.Run("simulate only", func(t *testing.T) {
		f := newFixture(t, 1000)
		f.executor.result = &bundle.Result{Status: bundle.StatusSimulatedOK}
		exec, err := f.assembler.Execute(context.Background(), Request{Targets: f.targets}, solana.PublicKey{}, true)
		require.NoError(t, err)
		require.True(t, f.executor.simulateOnly)
		require.Equal(t, IntentNotStarted, exec.Plan.Intent.State)
	})
}
