package opex

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrNoTargets           = errors.New("no target instructions")
	ErrAccountIndexInvalid = errors.New("instruction references an unknown account index")
)

type DeconstructedAccount struct {
	Pubkey     solana.PublicKey
	IsSigner   bool
	IsWritable bool
}

// DeconstructedInstruction is the form in which target instructions are hashed. It matches what the
// remote program reads back from the instructions sysvar.
type DeconstructedInstruction struct {
	ProgramID solana.PublicKey
	Accounts  []DeconstructedAccount
	Data      []byte
}

func Deconstruct(ixs []solana.Instruction) ([]DeconstructedInstruction, error) {
	if len(ixs) == 0 {
		return nil, ErrNoTargets
	}
	out := make([]DeconstructedInstruction, len(ixs))
	for i, ix := range ixs {
		data, err := ix.Data()
		if err != nil {
			return nil, fmt.Errorf("instruction %d data: %w", i, err)
		}
		metas := ix.Accounts()
		accounts := make([]DeconstructedAccount, len(metas))
		for j, meta := range metas {
			accounts[j] = DeconstructedAccount{Pubkey: meta.PublicKey, IsSigner: meta.IsSigner, IsWritable: meta.IsWritable}
		}
		out[i] = DeconstructedInstruction{ProgramID: ix.ProgramID(), Accounts: accounts, Data: data}
	}
	return out, nil
}

// DeconstructCompiled rebuilds instructions from a compiled message. Account flags come from the
// message header, which is what the ledger exposes to programs after compilation merges them.
func DeconstructCompiled(msg *solana.Message, ixs []solana.CompiledInstruction) ([]DeconstructedInstruction, error) {
	if len(ixs) == 0 {
		return nil, ErrNoTargets
	}
	keys := msg.AccountKeys
	numSigners := int(msg.Header.NumRequiredSignatures)
	writableSigners := numSigners - int(msg.Header.NumReadonlySignedAccounts)
	writableUnsignedEnd := len(keys) - int(msg.Header.NumReadonlyUnsignedAccounts)

	out := make([]DeconstructedInstruction, len(ixs))
	for i, ix := range ixs {
		if int(ix.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("%w: program %d", ErrAccountIndexInvalid, ix.ProgramIDIndex)
		}
		accounts := make([]DeconstructedAccount, len(ix.Accounts))
		for j, idx := range ix.Accounts {
			k := int(idx)
			if k >= len(keys) {
				return nil, fmt.Errorf("%w: %d", ErrAccountIndexInvalid, idx)
			}
			accounts[j] = DeconstructedAccount{
				Pubkey:     keys[k],
				IsSigner:   k < numSigners,
				IsWritable: k < writableSigners || (k >= numSigners && k < writableUnsignedEnd),
			}
		}
		data := make([]byte, len(ix.Data))
		copy(data, ix.Data)
		out[i] = DeconstructedInstruction{ProgramID: keys[ix.ProgramIDIndex], Accounts: accounts, Data: data}
	}
	return out, nil
}

// TargetHashOf is the commitment to a list of target instructions: SHA-256 of their borsh encoding.
func TargetHashOf(ixs []DeconstructedInstruction) ([32]byte, error) {
	buf := new(bytes.Buffer)
	if err := bin.NewBorshEncoder(buf).Encode(ixs); err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(buf.Bytes()), nil
}

// Challenge is what the authenticator signs to authorize an intent.
func Challenge(maxSlot uint64, targetHash [32]byte, tokenAmount uint64) [32]byte {
	var buf [8 + 32 + 8]byte
	binary.LittleEndian.PutUint64(buf[:8], maxSlot)
	copy(buf[8:40], targetHash[:])
	binary.LittleEndian.PutUint64(buf[40:], tokenAmount)
	return sha256.Sum256(buf[:])
}
