package opex

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/opexlabs/opex-node/bundle"
	"github.com/opexlabs/opex-node/signer"
	"github.com/opexlabs/opex-node/tips"
	"go.uber.org/zap"
)

// DefaultWindow is how many slots past the current one an intent stays executable.
const DefaultWindow uint64 = 60

var ErrNoProgramID = errors.New("optimistic execution program id is not set")

// Chain is the subset of the ledger RPC the assembler reads. *rpc.Client implements it.
type Chain interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

type Authenticator interface {
	Assert(challenge []byte) (*signer.Assertion, error)
}

// Executor delivers bundles. *bundle.Coordinator implements it.
type Executor interface {
	Execute(ctx context.Context, b *bundle.Bundle, watch solana.PublicKey, simulateOnly bool, opts ...bundle.ExecuteOption) (*bundle.Result, error)
	EstimateTip(ctx context.Context) uint64
	TipAccount() solana.PublicKey
}

type Config struct {
	ProgramID  solana.PublicKey
	Window     uint64
	Commitment rpc.CommitmentType
}

type Request struct {
	Targets     []solana.Instruction
	TokenAmount uint64
	// TipLamports overrides the estimated tip when non-zero.
	TipLamports uint64
}

type Phase struct {
	Name        string
	Transaction *solana.Transaction
}

type Plan struct {
	Intent        *Intent
	IntentAddress solana.PublicKey
	Phases        [3]Phase
	Bundle        *bundle.Bundle
	Assertion     *signer.Assertion
	Tip           tips.Quote
	CurrentSlot   uint64
}

type Execution struct {
	Plan   *Plan
	Result *bundle.Result
}

type Assembler struct {
	log      *zap.Logger
	cfg      Config
	chain    Chain
	auth     Authenticator
	executor Executor
	operator solana.PrivateKey
}

func NewAssembler(log *zap.Logger, cfg Config, chain Chain, auth Authenticator, executor Executor, operator solana.PrivateKey) (*Assembler, error) {
	if cfg.ProgramID == (solana.PublicKey{}) {
		return nil, ErrNoProgramID
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	return &Assembler{
		log:      log.Named("opex"),
		cfg:      cfg,
		chain:    chain,
		auth:     auth,
		executor: executor,
		operator: operator,
	}, nil
}

func (a *Assembler) Build(ctx context.Context, req Request) (*Plan, error) {
	if len(req.Targets) == 0 {
		return nil, ErrNoTargets
	}
	slot, err := a.chain.GetSlot(ctx, a.cfg.Commitment)
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	latest, err := a.chain.GetLatestBlockhash(ctx, a.cfg.Commitment)
	if err != nil {
		return nil, fmt.Errorf("get latest blockhash: %w", err)
	}
	blockhash := latest.Value.Blockhash
	authority := a.operator.PublicKey()
	maxSlot := slot + a.cfg.Window

	intentAddr, _, err := IntentAddress(a.cfg.ProgramID, authority)
	if err != nil {
		return nil, err
	}
	// Phase 2 is built first so the commitment hashes the targets exactly as the compiled
	// transaction exposes them on the ledger.
	phase2, targetHash, err := a.buildExecute(req.Targets, authority, intentAddr, blockhash)
	if err != nil {
		return nil, err
	}
	intent := &Intent{TargetHash: targetHash, MaxSlot: maxSlot, TokenAmount: req.TokenAmount}

	challenge := Challenge(maxSlot, targetHash, req.TokenAmount)
	assertion, err := a.auth.Assert(challenge[:])
	if err != nil {
		return nil, fmt.Errorf("authorize intent: %w", err)
	}
	precompile, err := NewSecp256r1Instruction(assertion.PublicKey, assertion.Signature, assertion.SignedData)
	if err != nil {
		return nil, err
	}
	validation, err := NewOptimisticValidationInstruction(a.cfg.ProgramID, authority, intentAddr, OptimisticValidationArgs{
		MaxSlot:     maxSlot,
		TargetHash:  targetHash,
		TokenAmount: req.TokenAmount,
	})
	if err != nil {
		return nil, err
	}
	phase1, err := a.newSignedTransaction([]solana.Instruction{precompile, validation}, blockhash)
	if err != nil {
		return nil, err
	}

	quote := tips.Quote{Lamports: req.TipLamports, Account: a.executor.TipAccount()}
	if quote.Lamports == 0 {
		quote.Lamports = a.executor.EstimateTip(ctx)
	}
	post, err := NewPostOptimisticExecutionInstruction(a.cfg.ProgramID, authority, intentAddr, quote.Account, PostOptimisticExecutionArgs{TipAmount: quote.Lamports})
	if err != nil {
		return nil, err
	}
	phase3, err := a.newSignedTransaction([]solana.Instruction{post}, blockhash)
	if err != nil {
		return nil, err
	}

	b, err := bundle.NewBundle(phase1, phase2, phase3)
	if err != nil {
		return nil, err
	}
	a.log.Debug("Built optimistic execution",
		zap.Uint64("current_slot", slot),
		zap.Uint64("max_slot", maxSlot),
		zap.Stringer("intent", intentAddr),
		zap.Uint64("tip_lamports", quote.Lamports),
		zap.Int("targets", len(req.Targets)),
	)
	return &Plan{
		Intent:        intent,
		IntentAddress: intentAddr,
		Phases: [3]Phase{
			{Name: "commit", Transaction: phase1},
			{Name: "execute", Transaction: phase2},
			{Name: "settle", Transaction: phase3},
		},
		Bundle:      b,
		Assertion:   assertion,
		Tip:         quote,
		CurrentSlot: slot,
	}, nil
}

func (a *Assembler) buildExecute(targets []solana.Instruction, authority, intentAddr solana.PublicKey, blockhash solana.Hash) (*solana.Transaction, [32]byte, error) {
	validate, err := NewValidateOptimisticExecutionInstruction(a.cfg.ProgramID, authority, intentAddr)
	if err != nil {
		return nil, [32]byte{}, err
	}
	tx, err := a.newSignedTransaction(append([]solana.Instruction{validate}, targets...), blockhash)
	if err != nil {
		return nil, [32]byte{}, err
	}
	targetHash, err := ExecuteTargetHash(tx)
	if err != nil {
		return nil, [32]byte{}, err
	}
	return tx, targetHash, nil
}

// ExecuteTargetHash recomputes the commitment from a phase 2 transaction: every instruction after
// validate_optimistic_execution is a target.
func ExecuteTargetHash(tx *solana.Transaction) ([32]byte, error) {
	if len(tx.Message.Instructions) < 2 {
		return [32]byte{}, ErrNoTargets
	}
	deconstructed, err := DeconstructCompiled(&tx.Message, tx.Message.Instructions[1:])
	if err != nil {
		return [32]byte{}, err
	}
	return TargetHashOf(deconstructed)
}

func (a *Assembler) newSignedTransaction(ixs []solana.Instruction, blockhash solana.Hash) (*solana.Transaction, error) {
	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(a.operator.PublicKey()))
	if err != nil {
		return nil, err
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(a.operator.PublicKey()) {
			return &a.operator
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

// Execute builds the plan and delivers it. The intent is settled when the bundle finalizes and
// expired when it did not land before its deadline.
func (a *Assembler) Execute(ctx context.Context, req Request, watch solana.PublicKey, simulateOnly bool, opts ...bundle.ExecuteOption) (*Execution, error) {
	plan, err := a.Build(ctx, req)
	if err != nil {
		return nil, err
	}
	res, execErr := a.executor.Execute(ctx, plan.Bundle, watch, simulateOnly, opts...)
	execution := &Execution{Plan: plan, Result: res}
	if simulateOnly || res == nil {
		return execution, execErr
	}

	if execErr == nil && res.Status == bundle.StatusFinalized {
		for _, next := range []IntentState{IntentCommitted, IntentExecuted, IntentSettled} {
			if err := plan.Intent.Advance(next, res.Slot); err != nil {
				a.log.Error("Finalized bundle landed outside the intent window", zap.Error(err), zap.Uint64("slot", res.Slot))
				break
			}
		}
		return execution, nil
	}

	slot, err := a.chain.GetSlot(ctx, a.cfg.Commitment)
	if err != nil {
		a.log.Warn("Failed to read slot after execution", zap.Error(err))
		return execution, execErr
	}
	if slot > plan.Intent.MaxSlot {
		_ = plan.Intent.Advance(IntentExpired, slot)
	}
	return execution, execErr
}
