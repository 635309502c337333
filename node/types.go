// Package node exposes bundle execution over JSON-RPC and runs queued executions.
package node

import (
	"encoding/base64"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/opexlabs/opex-node/bundle"
)

const (
	SendBundleEndpointName      = "opx_sendBundle"
	SimBundleEndpointName       = "opx_simBundle"
	GetBundleStatusEndpointName = "opx_getBundleStatus"
	TipFloorEndpointName        = "opx_tipFloor"

	// MaxBundleTransactions is the block engine limit.
	MaxBundleTransactions = 5
	// DefaultMaxSlotWindow bounds requests without a max slot, roughly the lifetime of a blockhash.
	DefaultMaxSlotWindow uint64 = 150
)

var (
	ErrTooManyTransactions = errors.New("bundle has too many transactions")
	ErrInvalidTransaction  = errors.New("invalid transaction encoding")
)

type SendBundleArgs struct {
	// base64 encoded signed transactions in execution order
	Txs          []string          `json:"txs"`
	WatchAccount *solana.PublicKey `json:"watchAccount,omitempty"`
	// last slot the bundle may land in, 0 means current slot + DefaultMaxSlotWindow
	MaxSlot      uint64 `json:"maxSlot,omitempty"`
	SimulateOnly bool   `json:"simulateOnly,omitempty"`
}

type SendBundleResponse struct {
	RequestID string `json:"requestId"`
}

type SimBundleArgs struct {
	Txs           []string           `json:"txs"`
	WatchAccounts []solana.PublicKey `json:"watchAccounts,omitempty"`
}

// QueueItem is the payload stored on the execution queue.
type QueueItem struct {
	RequestID    string           `json:"requestId"`
	Txs          []string         `json:"txs"`
	WatchAccount solana.PublicKey `json:"watchAccount"`
	SimulateOnly bool             `json:"simulateOnly"`
}

// DecodeBundle parses base64 wire transactions into a bundle.
func DecodeBundle(txs []string) (*bundle.Bundle, error) {
	if len(txs) > MaxBundleTransactions {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyTransactions, len(txs), MaxBundleTransactions)
	}
	decoded := make([]*solana.Transaction, len(txs))
	for i, encoded := range txs {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: transaction %d: %w", ErrInvalidTransaction, i, err)
		}
		tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: transaction %d: %w", ErrInvalidTransaction, i, err)
		}
		decoded[i] = tx
	}
	return bundle.NewBundle(decoded...)
}
