// Package web3 houses distributed-ledger connectivity utilities: RPC
// clients, multi-chain configuration helpers, and the transfer-recipient
// lookup used to verify that settled funds reached the intended seller.
// Concrete chain implementations live in subpackages (ethereum for EVM
// compatible networks) and are selected through the provider registry.
package web3
