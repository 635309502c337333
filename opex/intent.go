// Package opex assembles optimistic executions: a deadline-bounded commit, execute and settle
// sequence delivered to the ledger as a single three-transaction bundle.
package opex

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidIntentTransition = errors.New("invalid intent transition")
	ErrIntentExpired           = errors.New("intent deadline has passed")
)

type IntentState uint8

const (
	IntentNotStarted IntentState = iota
	IntentCommitted
	IntentExecuted
	IntentSettled
	IntentExpired
)

func (s IntentState) String() string {
	switch s {
	case IntentNotStarted:
		return "not_started"
	case IntentCommitted:
		return "committed"
	case IntentExecuted:
		return "executed"
	case IntentSettled:
		return "settled"
	case IntentExpired:
		return "expired"
	}
	return fmt.Sprintf("intent_state(%d)", s)
}

// Intent is the local view of an authorization committed by phase 1.
type Intent struct {
	TargetHash  [32]byte    `json:"targetHash"`
	MaxSlot     uint64      `json:"maxSlot"`
	TokenAmount uint64      `json:"tokenAmount"`
	Executed    bool        `json:"executed"`
	State       IntentState `json:"state"`
}

// Advance moves the intent to next as observed at currentSlot. An intent that has not executed by
// MaxSlot can only expire; an executed intent can never expire.
func (i *Intent) Advance(next IntentState, currentSlot uint64) error {
	expired := currentSlot > i.MaxSlot
	switch next {
	case IntentCommitted:
		if i.State != IntentNotStarted {
			break
		}
		if expired {
			return ErrIntentExpired
		}
		i.State = next
		return nil
	case IntentExecuted:
		if i.State != IntentCommitted {
			break
		}
		if expired {
			return ErrIntentExpired
		}
		i.State = next
		i.Executed = true
		return nil
	case IntentSettled:
		if i.State != IntentExecuted {
			break
		}
		i.State = next
		return nil
	case IntentExpired:
		if i.State != IntentNotStarted && i.State != IntentCommitted {
			break
		}
		if !expired {
			return fmt.Errorf("%w: slot %d has not passed max slot %d", ErrInvalidIntentTransition, currentSlot, i.MaxSlot)
		}
		i.State = next
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidIntentTransition, i.State, next)
}

func (i *Intent) IsTerminal() bool {
	return i.State == IntentSettled || i.State == IntentExpired
}
