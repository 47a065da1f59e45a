package web3

import (
	"context"
)

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// Client defines the common interface that any chain implementation must
// provide so higher layers can interact with different networks uniformly.
// TransferRecipient is the independent settlement-verification primitive:
// it answers who actually received the funds of a given transaction,
// straight from the ledger rather than from any payment SDK's own report.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	TransferRecipient(ctx context.Context, transactionRef string) (string, error)
	Close()
}
