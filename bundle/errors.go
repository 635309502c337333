package bundle

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyBundle          = errors.New("bundle has no transactions")
	ErrUnsignedTransaction  = errors.New("bundle transaction is not signed")
	ErrSimulationFailed     = errors.New("bundle simulation failed")
	ErrUnexpectedSimulation = errors.New("unexpected simulation response")
	ErrSubmissionRejected   = errors.New("bundle submission rejected")
	ErrConfirmationTimeout  = errors.New("bundle confirmation timed out")
	ErrTransactionFailed    = errors.New("bundle transaction failed on ledger")
	ErrBundleFailed         = errors.New("bundle failed on ledger")
	ErrRetryTimeout         = errors.New("retry timeout exceeded")
	ErrInvalidTransition    = errors.New("invalid bundle status transition")
)

// Kind tells the retry policy what to do with an error.
type Kind uint8

const (
	KindFatal Kind = iota
	KindRetryable
)

func (k Kind) String() string {
	if k == KindRetryable {
		return "retryable"
	}
	return "fatal"
}

// EngineError is returned by block engine transports. Only Kind is inspected by callers.
type EngineError struct {
	Kind   Kind
	Method string
	Code   int
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("block engine %s (%s, code %d): %v", e.Method, e.Kind, e.Code, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err carries a retryable EngineError.
func IsRetryable(err error) bool {
	var engineErr *EngineError
	return errors.As(err, &engineErr) && engineErr.Kind == KindRetryable
}

type SimulationError struct {
	Message   string
	Signature string
	Logs      [][]string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrSimulationFailed, e.Message)
}

func (e *SimulationError) Unwrap() error {
	return ErrSimulationFailed
}

// UnexpectedSimulationError carries a simulation summary that matched no known shape.
type UnexpectedSimulationError struct {
	Raw []byte
}

func (e *UnexpectedSimulationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnexpectedSimulation, string(e.Raw))
}

func (e *UnexpectedSimulationError) Unwrap() error {
	return ErrUnexpectedSimulation
}

type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%v: %v", ErrSubmissionRejected, e.Err)
}

func (e *SubmissionError) Unwrap() []error {
	return []error{ErrSubmissionRejected, e.Err}
}

// ConfirmationTimeoutError does not mean the bundle did not land.
type ConfirmationTimeoutError struct {
	BundleID string
	Loop     string
	Err      error
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("%v: bundle %s, %s loop, landing unknown: %v", ErrConfirmationTimeout, e.BundleID, e.Loop, e.Err)
}

func (e *ConfirmationTimeoutError) Unwrap() []error {
	return []error{ErrConfirmationTimeout, e.Err}
}

type TransactionFailedError struct {
	Signature string
	Slot      uint64
	Err       string
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("%v: %s at slot %d: %s", ErrTransactionFailed, e.Signature, e.Slot, e.Err)
}

func (e *TransactionFailedError) Unwrap() error {
	return ErrTransactionFailed
}

type BundleFailedError struct {
	BundleID string
	Slot     uint64
	Err      string
}

func (e *BundleFailedError) Error() string {
	return fmt.Sprintf("%v: %s at slot %d: %s", ErrBundleFailed, e.BundleID, e.Slot, e.Err)
}

func (e *BundleFailedError) Unwrap() error {
	return ErrBundleFailed
}
