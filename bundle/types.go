// Package bundle simulates, submits and confirms groups of transactions that must land atomically
// through an external block engine.
package bundle

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Bundle is an ordered, non-empty list of signed transactions. It is not modified after creation.
type Bundle struct {
	txs []*solana.Transaction
}

func NewBundle(txs ...*solana.Transaction) (*Bundle, error) {
	if len(txs) == 0 {
		return nil, ErrEmptyBundle
	}
	for i, tx := range txs {
		if tx == nil || len(tx.Signatures) == 0 || tx.Signatures[0] == (solana.Signature{}) {
			return nil, fmt.Errorf("%w: transaction %d", ErrUnsignedTransaction, i)
		}
	}
	cp := make([]*solana.Transaction, len(txs))
	copy(cp, txs)
	return &Bundle{txs: cp}, nil
}

func (b *Bundle) Len() int {
	return len(b.txs)
}

func (b *Bundle) Transactions() []*solana.Transaction {
	cp := make([]*solana.Transaction, len(b.txs))
	copy(cp, b.txs)
	return cp
}

// Signatures returns the first signature of every transaction in bundle order.
func (b *Bundle) Signatures() []solana.Signature {
	sigs := make([]solana.Signature, len(b.txs))
	for i, tx := range b.txs {
		sigs[i] = tx.Signatures[0]
	}
	return sigs
}

// Encode returns every transaction serialized and base64 encoded, in bundle order.
func (b *Bundle) Encode() ([]string, error) {
	encoded := make([]string, len(b.txs))
	for i, tx := range b.txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode transaction %d: %w", i, err)
		}
		encoded[i] = base64.StdEncoding.EncodeToString(raw)
	}
	return encoded, nil
}

type Status uint8

const (
	StatusNotSubmitted Status = iota
	StatusSimulatedOK
	StatusSimulatedFailed
	StatusSubmitted
	StatusLandedUnconfirmed
	StatusConfirmed
	StatusFinalized
	StatusFailed
)

var statusNames = [...]string{
	StatusNotSubmitted:      "not_submitted",
	StatusSimulatedOK:       "simulated_ok",
	StatusSimulatedFailed:   "simulated_failed",
	StatusSubmitted:         "submitted",
	StatusLandedUnconfirmed: "landed_unconfirmed",
	StatusConfirmed:         "confirmed",
	StatusFinalized:         "finalized",
	StatusFailed:            "failed",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", s)
}

func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown bundle status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusSimulatedFailed || s == StatusFinalized || s == StatusFailed
}

// CanTransition reports whether a bundle may move from s to next. Statuses only move forward,
// except that any submitted, non-terminal bundle may fail.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatusSimulatedOK, StatusSimulatedFailed:
		return s == StatusNotSubmitted
	case StatusSubmitted:
		return s == StatusSimulatedOK
	case StatusLandedUnconfirmed, StatusConfirmed, StatusFinalized:
		return s >= StatusSubmitted && next > s
	case StatusFailed:
		return s >= StatusSubmitted
	}
	return false
}

type Transition struct {
	From     Status
	To       Status
	BundleID string
	Slot     uint64
	At       time.Time
}

// Tracker records the status history of a single execution.
type Tracker struct {
	mu       sync.Mutex
	current  Status
	bundleID string
	history  []Transition
	onMove   func(Transition)
}

// NewTracker starts in not_submitted. onMove, if set, is called after every accepted transition.
func NewTracker(onMove func(Transition)) *Tracker {
	return &Tracker{current: StatusNotSubmitted, onMove: onMove}
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *Tracker) BundleID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bundleID
}

func (t *Tracker) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]Transition, len(t.history))
	copy(cp, t.history)
	return cp
}

func (t *Tracker) bind(id string) {
	t.mu.Lock()
	t.bundleID = id
	t.mu.Unlock()
}

func (t *Tracker) Move(next Status) error {
	return t.moveAt(next, 0)
}

func (t *Tracker) moveAt(next Status, slot uint64) error {
	t.mu.Lock()
	if !t.current.CanTransition(next) {
		from := t.current
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	tr := Transition{From: t.current, To: next, BundleID: t.bundleID, Slot: slot, At: time.Now()}
	t.current = next
	t.history = append(t.history, tr)
	onMove := t.onMove
	t.mu.Unlock()

	if onMove != nil {
		onMove(tr)
	}
	return nil
}
