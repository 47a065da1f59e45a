package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"AgentBazaar/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestTransferRecipientForNativeTransfer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	chainID := big.NewInt(1337)
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		t.Fatalf("new transactor: %v", err)
	}

	alloc := core.GenesisAlloc{
		auth.From: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	}
	backend := backends.NewSimulatedBackend(alloc, 8_000_000)
	client := NewSimulatedClient("simulated", chainID, backend)
	t.Cleanup(client.Close)

	seller := common.HexToAddress("0x2222222222222222222222222222222222222222")

	nonce, err := backend.PendingNonceAt(ctx, auth.From)
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		t.Fatalf("latest header: %v", err)
	}
	gasTipCap := big.NewInt(1_000_000_000)
	gasFeeCap := new(big.Int).Set(gasTipCap)
	if head.BaseFee != nil {
		gasFeeCap = new(big.Int).Add(head.BaseFee, gasTipCap)
	}
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       21000,
		To:        &seller,
		Value:     big.NewInt(850),
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		t.Fatalf("send tx: %v", err)
	}
	if _, err := waitForReceipt(ctx, backend, signed.Hash()); err != nil {
		t.Fatalf("wait mined: %v", err)
	}

	recipient, err := client.TransferRecipient(ctx, signed.Hash().Hex())
	if err != nil {
		t.Fatalf("transfer recipient: %v", err)
	}
	if recipient != seller.Hex() {
		t.Fatalf("expected recipient %s, got %s", seller.Hex(), recipient)
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x"+chainID.Text(16) {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
}

func TestRecipientFromLogsPicksLastTransfer(t *testing.T) {
	t.Parallel()

	intermediate := common.HexToAddress("0x3333333333333333333333333333333333333333")
	final := common.HexToAddress("0x2222222222222222222222222222222222222222")

	logs := []*coretypes.Log{
		{Topics: []common.Hash{transferEventTopic, common.Hash{}, common.BytesToHash(intermediate.Bytes())}},
		{Topics: []common.Hash{common.HexToHash("0x01")}}, // unrelated event
		{Topics: []common.Hash{transferEventTopic, common.Hash{}, common.BytesToHash(final.Bytes())}},
	}

	recipient, ok := recipientFromLogs(logs)
	if !ok {
		t.Fatalf("expected a transfer recipient")
	}
	if recipient != final.Hex() {
		t.Fatalf("expected final-leg recipient %s, got %s", final.Hex(), recipient)
	}
}

func TestRecipientFromLogsNoTransfer(t *testing.T) {
	t.Parallel()

	logs := []*coretypes.Log{
		{Topics: []common.Hash{common.HexToHash("0x01")}},
	}
	if _, ok := recipientFromLogs(logs); ok {
		t.Fatalf("expected no recipient without transfer logs")
	}
}

func waitForReceipt(ctx context.Context, backend *backends.SimulatedBackend, hash common.Hash) (*coretypes.Receipt, error) {
	backend.Commit()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			backend.Commit()
		}
	}
}

var _ web3.Client = (*Client)(nil)
