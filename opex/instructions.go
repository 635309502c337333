package opex

import (
	"bytes"
	"crypto/sha256"
	"errors"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/opexlabs/opex-node/signer"
)

const (
	InstructionOptimisticValidation               = "optimistic_validation"
	InstructionValidateOptimisticExecution        = "validate_optimistic_execution"
	InstructionPostOptimisticExecution            = "post_optimistic_execution"
	intentSeed                                    = "optimistic_intent"
	secp256r1OffsetsStart                         = 2
	secp256r1OffsetsSize                          = 14
	secp256r1PublicKeyOffset                      = secp256r1OffsetsStart + secp256r1OffsetsSize
	secp256r1SignatureOffset                      = secp256r1PublicKeyOffset + signer.CompressedPublicKeyLength
	secp256r1MessageOffset                        = secp256r1SignatureOffset + signer.SignatureLength
	secp256r1CurrentInstruction            uint16 = 0xFFFF
)

var Secp256r1ProgramID = solana.MustPublicKeyFromBase58("Secp256r1SigVerify1111111111111111111111111")

var (
	ErrMessageTooLarge  = errors.New("message too large for secp256r1 instruction")
	ErrInvalidPublicKey = errors.New("authenticator public key must be 33 compressed bytes")
)

// Discriminator is the 8-byte instruction selector of a remote program instruction.
func Discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

func encodeInstruction(name string, args any) ([]byte, error) {
	buf := new(bytes.Buffer)
	d := Discriminator(name)
	buf.Write(d[:])
	if args != nil {
		if err := bin.NewBorshEncoder(buf).Encode(args); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

type OptimisticValidationArgs struct {
	MaxSlot     uint64
	TargetHash  [32]byte
	TokenAmount uint64
}

type PostOptimisticExecutionArgs struct {
	TipAmount uint64
}

// IntentAddress derives the account that stores the open intent of authority.
func IntentAddress(programID, authority solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(intentSeed), authority[:]}, programID)
}

func NewOptimisticValidationInstruction(programID, authority, intent solana.PublicKey, args OptimisticValidationArgs) (solana.Instruction, error) {
	data, err := encodeInstruction(InstructionOptimisticValidation, args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(authority, true, true),
		solana.NewAccountMeta(intent, true, false),
		solana.NewAccountMeta(solana.SysVarInstructionsPubkey, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

func NewValidateOptimisticExecutionInstruction(programID, authority, intent solana.PublicKey) (solana.Instruction, error) {
	data, err := encodeInstruction(InstructionValidateOptimisticExecution, nil)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(authority, false, true),
		solana.NewAccountMeta(intent, true, false),
		solana.NewAccountMeta(solana.SysVarInstructionsPubkey, false, false),
	}, data), nil
}

func NewPostOptimisticExecutionInstruction(programID, authority, intent, tipAccount solana.PublicKey, args PostOptimisticExecutionArgs) (solana.Instruction, error) {
	data, err := encodeInstruction(InstructionPostOptimisticExecution, args)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(authority, true, true),
		solana.NewAccountMeta(intent, true, false),
		solana.NewAccountMeta(tipAccount, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

type secp256r1Offsets struct {
	SignatureOffset           uint16
	SignatureInstructionIndex uint16
	PublicKeyOffset           uint16
	PublicKeyInstructionIndex uint16
	MessageDataOffset         uint16
	MessageDataSize           uint16
	MessageInstructionIndex   uint16
}

// NewSecp256r1Instruction builds a precompile instruction verifying one signature over message,
// with the key, signature and message all carried in the instruction itself.
func NewSecp256r1Instruction(publicKey []byte, sig signer.Signature, message []byte) (solana.Instruction, error) {
	if len(publicKey) != signer.CompressedPublicKeyLength {
		return nil, ErrInvalidPublicKey
	}
	if len(message) > int(^uint16(0))-secp256r1MessageOffset {
		return nil, ErrMessageTooLarge
	}
	offsets := secp256r1Offsets{
		SignatureOffset:           secp256r1SignatureOffset,
		SignatureInstructionIndex: secp256r1CurrentInstruction,
		PublicKeyOffset:           secp256r1PublicKeyOffset,
		PublicKeyInstructionIndex: secp256r1CurrentInstruction,
		MessageDataOffset:         secp256r1MessageOffset,
		MessageDataSize:           uint16(len(message)),
		MessageInstructionIndex:   secp256r1CurrentInstruction,
	}

	buf := bytes.NewBuffer(make([]byte, 0, secp256r1MessageOffset+len(message)))
	// signature count, padding
	buf.Write([]byte{1, 0})
	if err := bin.NewBorshEncoder(buf).Encode(offsets); err != nil {
		return nil, err
	}
	buf.Write(publicKey)
	buf.Write(sig[:])
	buf.Write(message)

	return solana.NewInstruction(Secp256r1ProgramID, solana.AccountMetaSlice{}, buf.Bytes()), nil
}
