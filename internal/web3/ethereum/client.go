package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"IntentHub/internal/web3"
)

// Config describes how to construct an EVM compatible invoker.
type Config struct {
	Name           string
	RPCURL         string
	ChainID        int64
	PrivateKeyEnv  string
	GasLimit       uint64
	ReceiptTimeout time.Duration
	Notes          string
}

// Backend is the subset of an RPC client needed to send transactions and
// wait for their receipts.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Client implements web3.ContractInvoker for EVM compatible chains.
type Client struct {
	name           string
	notes          string
	rpcClient      *gethrpc.Client
	backend        Backend
	auth           *bind.TransactOpts
	chainID        *big.Int
	gasLimit       uint64
	receiptTimeout time.Duration
	commit         func()

	// sending is a one-slot semaphore serialising submissions so nonces are
	// assigned in order. Waiting for it honours the caller's context.
	sending chan struct{}
}

// Option customises a Client built around an existing backend.
type Option func(*Client)

// WithGasLimit fixes the gas limit instead of estimating it per call.
func WithGasLimit(limit uint64) Option {
	return func(c *Client) { c.gasLimit = limit }
}

// WithReceiptTimeout bounds how long Transact waits for a receipt.
func WithReceiptTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.receiptTimeout = timeout
		}
	}
}

// WithCommit installs a hook run after each submission. Simulated backends
// use it to mine the pending block.
func WithCommit(commit func()) Option {
	return func(c *Client) { c.commit = commit }
}

// NewClient dials the configured RPC endpoint and loads the signing key from
// the environment variable named by cfg.PrivateKeyEnv.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	key, err := loadKey(cfg.PrivateKeyEnv)
	if err != nil {
		return nil, err
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
	}

	client, err := NewClientWithBackend(cfg.Name, eth, key, chainID,
		WithGasLimit(cfg.GasLimit),
		WithReceiptTimeout(cfg.ReceiptTimeout),
	)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	client.rpcClient = rpcClient
	client.notes = cfg.Notes
	return client, nil
}

// NewClientWithBackend wraps an existing backend, such as a simulated chain.
func NewClientWithBackend(name string, backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	if key == nil {
		return nil, errors.New("未提供交易签名私钥")
	}
	if chainID == nil {
		return nil, errors.New("未配置链 ID")
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("创建交易签名器失败: %w", err)
	}
	c := &Client{
		name:           name,
		backend:        backend,
		auth:           auth,
		chainID:        new(big.Int).Set(chainID),
		receiptTimeout: 2 * time.Minute,
		sending:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// ChainID returns a copy of the chain id used for signing.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// From returns the signing account.
func (c *Client) From() common.Address {
	return c.auth.From
}

// Transact packs and sends a contract call, then blocks until the receipt is
// available or the receipt timeout elapses. A reverted transaction is
// returned with its receipt; callers inspect TxReceipt.Succeeded.
func (c *Client) Transact(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...any) (*web3.TxReceipt, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}

	select {
	case c.sending <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("等待发送 %s 交易失败: %w", method, ctx.Err())
	}
	opts := *c.auth
	opts.Context = ctx
	if c.gasLimit > 0 {
		opts.GasLimit = c.gasLimit
	}
	bound := bind.NewBoundContract(contract, parsed, c.backend, c.backend, c.backend)
	tx, err := bound.Transact(&opts, method, args...)
	if err == nil && c.commit != nil {
		c.commit()
	}
	<-c.sending
	if err != nil {
		return nil, fmt.Errorf("发送 %s 交易失败: %w", method, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return &web3.TxReceipt{Hash: tx.Hash()}, fmt.Errorf("等待交易 %s 上链失败: %w", tx.Hash().Hex(), err)
	}
	result := &web3.TxReceipt{
		Hash:    receipt.TxHash,
		Status:  receipt.Status,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return result, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.sending <- struct{}{}
	defer func() { <-c.sending }()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

func loadKey(envName string) (*ecdsa.PrivateKey, error) {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return nil, errors.New("未配置私钥环境变量")
	}
	raw := strings.TrimSpace(os.Getenv(envName))
	if raw == "" {
		return nil, fmt.Errorf("环境变量 %s 未设置私钥", envName)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析环境变量 %s 中的私钥失败: %w", envName, err)
	}
	return key, nil
}

var _ web3.ContractInvoker = (*Client)(nil)
