package web3

import (
	"context"
	"errors"
)

// ErrTransactionReverted is returned when a mined transaction reports a failed status.
var ErrTransactionReverted = errors.New("交易已上链但执行失败")

// TransactionRequest is the unsigned transaction handed to the custodial
// signer. Quantities are 0x-prefixed hex strings as used by JSON-RPC.
type TransactionRequest struct {
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Data     string `json:"data,omitempty"`
	Value    string `json:"value,omitempty"`
	GasLimit string `json:"gasLimit,omitempty"`
	GasPrice string `json:"gasPrice,omitempty"`
	ChainID  int64  `json:"chainId,omitempty"`
}

// SentTransaction is the on-chain reference returned after submission.
type SentTransaction struct {
	Hash  string `json:"hash"`
	CAIP2 string `json:"caip2"`
}

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// Receipt summarizes a mined transaction.
type Receipt struct {
	Hash        string `json:"hash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
	Success     bool   `json:"success"`
}

// Confirmer waits for a submitted transaction to be mined.
type Confirmer interface {
	WaitForReceipt(ctx context.Context, hash string) (Receipt, error)
}

// TokenInspector reads ERC-20 metadata for tokens missing from the static table.
type TokenInspector interface {
	TokenDecimals(ctx context.Context, token string) (int32, error)
}
