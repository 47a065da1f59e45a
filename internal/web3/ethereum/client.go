package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"AgentBazaar/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// transferEventTopic is the keccak hash of the canonical ERC-20/721
// Transfer(address,address,uint256) event signature.
var transferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// txReader mirrors the subset of ledger queries needed to resolve the
// actual recipient of a settled transaction.
type txReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*coretypes.Transaction, bool, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   any
	chainID   *big.Int
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
	}, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend) *Client {
	return &Client{
		name:    name,
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		notes:   "simulated backend",
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}

	if c.eth != nil {
		chainID, err := c.eth.ChainID(ctx)
		if err != nil {
			return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		blockNumber, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
		}
		return web3.ChainSnapshot{
			ChainID:     toHexBig(chainID),
			BlockNumber: fmt.Sprintf("0x%x", blockNumber),
			Notes:       c.notes,
		}, nil
	}

	if c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("客户端缺少链访问后端")
	}
	if c.chainID == nil {
		return web3.ChainSnapshot{}, errors.New("未配置链 ID")
	}

	blockReader, ok := c.backend.(interface {
		BlockByNumber(context.Context, *big.Int) (*coretypes.Block, error)
	})
	if !ok {
		return web3.ChainSnapshot{}, errors.New("后端不支持区块查询")
	}
	block, err := blockReader.BlockByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取区块信息失败: %w", err)
	}

	return web3.ChainSnapshot{
		ChainID:     toHexBig(c.chainID),
		BlockNumber: fmt.Sprintf("0x%x", block.NumberU64()),
		Notes:       c.notes,
	}, nil
}

// TransferRecipient resolves who actually received the funds of the given
// transaction. Token transfers are read from the receipt's Transfer event
// logs; plain value transfers fall back to the transaction's destination.
func (c *Client) TransferRecipient(ctx context.Context, transactionRef string) (string, error) {
	if c == nil {
		return "", errors.New("未初始化的以太坊客户端")
	}
	transactionRef = strings.TrimSpace(transactionRef)
	if transactionRef == "" {
		return "", errors.New("交易引用不能为空")
	}

	reader := c.txBackend()
	if reader == nil {
		return "", errors.New("当前客户端不支持交易查询")
	}

	hash := common.HexToHash(transactionRef)
	receipt, err := reader.TransactionReceipt(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("查询交易回执失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return "", fmt.Errorf("交易 %s 在链上执行失败", transactionRef)
	}

	if recipient, ok := recipientFromLogs(receipt.Logs); ok {
		return recipient, nil
	}

	// 回执中没有 Transfer 事件：按原生转账处理，收款方即交易目标地址。
	tx, _, err := reader.TransactionByHash(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("查询交易失败: %w", err)
	}
	to := tx.To()
	if to == nil {
		return "", fmt.Errorf("交易 %s 是合约创建，无法确定收款方", transactionRef)
	}
	return to.Hex(), nil
}

// recipientFromLogs scans receipt logs for the canonical Transfer event and
// returns the recipient of the last transfer, which is the final leg of any
// multi-hop token movement.
func recipientFromLogs(logs []*coretypes.Log) (string, bool) {
	for i := len(logs) - 1; i >= 0; i-- {
		log := logs[i]
		if log == nil || len(log.Topics) < 3 {
			continue
		}
		if log.Topics[0] != transferEventTopic {
			continue
		}
		// The indexed "to" parameter is the third topic, address packed
		// into the low 20 bytes of the 32-byte word.
		return common.BytesToAddress(log.Topics[2].Bytes()).Hex(), true
	}
	return "", false
}

func (c *Client) txBackend() txReader {
	if reader, ok := c.backend.(txReader); ok {
		return reader
	}
	if c.eth != nil {
		return c.eth
	}
	return nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
