// Package chainclient wraps a pool of BEP20-network JSON-RPC endpoints behind
// a single client with ordered failover, plus a self-healing websocket stream
// of token Transfer events.
//
// Request/response calls walk the endpoint pool on transport failure and
// return typed, retriable errors once the pool is exhausted; callers never
// block forever on a dead node. The push stream reconnects with exponential
// backoff and broadcasts capability changes so the observer can switch to
// pull-based polling while the stream is down.
package chainclient

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/gateway"
)

var (
	failoverMeter  = metrics.NewRegisteredMeter("gateway/chain/failover", nil)
	reconnectMeter = metrics.NewRegisteredMeter("gateway/chain/stream/reconnect", nil)
	streamMeter    = metrics.NewRegisteredMeter("gateway/chain/stream/events", nil)
	broadcastMeter = metrics.NewRegisteredMeter("gateway/chain/broadcast", nil)
	pushDownGauge  = metrics.NewRegisteredGauge("gateway/chain/push/down", nil)
)

// Capability describes the health of the push transport.
type Capability int

const (
	PushUnavailable Capability = iota
	PushAvailable
)

// Client is a failover JSON-RPC client bound to one token contract.
type Client struct {
	log log.Logger

	rpcURLs []string
	wsURLs  []string
	token   common.Address
	chainID *big.Int
	timeout time.Duration

	gasPrice *big.Int
	gasLimit uint64

	mu  sync.Mutex
	ec  *ethclient.Client
	idx int // cursor into rpcURLs, advanced on failover

	decMu     sync.Mutex
	decimals  uint8
	decLoaded bool

	capFeed event.FeedOf[Capability]
}

// New builds a client from the chain section of the configuration. No
// connection is opened until the first call.
func New(cfg *config.ChainConfig, lg log.Logger) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("chainclient: no RPC endpoints configured")
	}
	gasPrice, ok := new(big.Int).SetString(cfg.GasPrice, 10)
	if !ok || gasPrice.Sign() <= 0 {
		return nil, fmt.Errorf("chainclient: invalid gas price %q", cfg.GasPrice)
	}
	return &Client{
		log:      lg,
		rpcURLs:  append([]string(nil), cfg.RPCURLs...),
		wsURLs:   append([]string(nil), cfg.WSURLs...),
		token:    common.HexToAddress(cfg.TokenContract),
		chainID:  big.NewInt(cfg.ChainID),
		timeout:  cfg.RPCTimeout(),
		gasPrice: gasPrice,
		gasLimit: cfg.GasLimit,
	}, nil
}

// Token returns the monitored token contract address.
func (c *Client) Token() common.Address { return c.token }

// GasPrice returns the configured base gas price in wei.
func (c *Client) GasPrice() *big.Int { return new(big.Int).Set(c.gasPrice) }

// BoostedGasPrice returns the base gas price raised by the 1.2 broadcast
// factor used for sweeps and refunds.
func (c *Client) BoostedGasPrice() *big.Int {
	boosted := new(big.Int).Mul(c.gasPrice, big.NewInt(12))
	return boosted.Div(boosted, big.NewInt(10))
}

// GasLimit returns the configured limit for token transfers.
func (c *Client) GasLimit() uint64 { return c.gasLimit }

// conn returns the live connection, dialing through the pool if necessary.
func (c *Client) conn(ctx context.Context) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ec != nil {
		return c.ec, nil
	}
	var lastErr error
	for i := 0; i < len(c.rpcURLs); i++ {
		at := (c.idx + i) % len(c.rpcURLs)
		url := c.rpcURLs[at]
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		rc, err := rpc.DialContext(dialCtx, url)
		cancel()
		if err != nil {
			lastErr = err
			c.log.Warn("RPC endpoint unreachable", "url", url, "err", err)
			continue
		}
		c.idx = at
		c.ec = ethclient.NewClient(rc)
		c.log.Info("Connected to RPC endpoint", "url", url)
		return c.ec, nil
	}
	return nil, gateway.Retriable(fmt.Errorf("all %d RPC endpoints unreachable: %w", len(c.rpcURLs), lastErr))
}

// rotate drops the given connection and moves the cursor so the next dial
// starts at the following endpoint.
func (c *Client) rotate(old *ethclient.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ec == nil || c.ec != old {
		return
	}
	c.ec.Close()
	c.ec = nil
	c.idx = (c.idx + 1) % len(c.rpcURLs)
	failoverMeter.Mark(1)
}

// shouldFailover classifies an error as endpoint trouble (rotate) versus an
// application-level answer (return to caller). A JSON-RPC error means the
// endpoint is alive and another node would answer the same.
func shouldFailover(err error) bool {
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	var jsonErr rpc.Error
	if errors.As(err, &jsonErr) {
		return false
	}
	return true
}

// do runs fn against the pool, rotating endpoints on transport failure. Once
// every endpoint has been tried the error is marked retriable so queue-driven
// callers re-enqueue instead of giving up.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context, ec *ethclient.Client) error) error {
	var lastErr error
	for attempt := 0; attempt <= len(c.rpcURLs); attempt++ {
		ec, err := c.conn(ctx)
		if err != nil {
			return err
		}
		opCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err = fn(opCtx, ec)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !shouldFailover(err) {
			return err
		}
		lastErr = err
		c.log.Warn("RPC call failed, rotating endpoint", "op", op, "err", err)
		c.rotate(ec)
	}
	return gateway.Retriable(fmt.Errorf("%s: pool exhausted: %w", op, lastErr))
}

// WaitOnline blocks until any endpoint answers a block-number call, backing
// off between pool walks. Used at startup so dependents see a live chain.
func (c *Client) WaitOnline(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if _, err := c.BlockNumber(ctx); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else {
			delay := rpcRetryDelay(attempt)
			c.log.Warn("Chain still unreachable", "retry_in", delay, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// BlockNumber returns the head block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, "blockNumber", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		n, err = ec.BlockNumber(ctx)
		return err
	})
	return n, err
}

// HeaderByNumber returns the header at n, or the head for nil.
func (c *Client) HeaderByNumber(ctx context.Context, n *big.Int) (*types.Header, error) {
	var h *types.Header
	err := c.do(ctx, "headerByNumber", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		h, err = ec.HeaderByNumber(ctx, n)
		return err
	})
	return h, err
}

// TransactionByHash returns the transaction and whether it is still pending.
// Unknown hashes map to gateway.ErrNotFound.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	var (
		tx      *types.Transaction
		pending bool
	)
	err := c.do(ctx, "transactionByHash", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		tx, pending, err = ec.TransactionByHash(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, false, fmt.Errorf("transaction %s: %w", hash.Hex(), gateway.ErrNotFound)
	}
	return tx, pending, err
}

// TransactionReceipt returns the receipt for a mined transaction. A missing
// receipt maps to gateway.ErrNotFound; after a re-org this is the signal that
// the including block is gone.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var r *types.Receipt
	err := c.do(ctx, "transactionReceipt", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		r, err = ec.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), gateway.ErrNotFound)
	}
	return r, err
}

// NativeBalance returns the gas-coin balance of addr at the head block.
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal *big.Int
	err := c.do(ctx, "nativeBalance", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		bal, err = ec.BalanceAt(ctx, addr, nil)
		return err
	})
	return bal, err
}

// TokenBalanceOf returns addr's balance on the configured token contract.
func (c *Client) TokenBalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = c.do(ctx, "tokenBalanceOf", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		out, err = ec.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	res, err := tokenABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("decode balanceOf: %w", err)
	}
	return res[0].(*big.Int), nil
}

// TokenDecimals returns the token's precision. The value is immutable on
// real deployments, so the first successful answer is cached for the
// lifetime of the process.
func (c *Client) TokenDecimals(ctx context.Context) (uint8, error) {
	c.decMu.Lock()
	defer c.decMu.Unlock()
	if c.decLoaded {
		return c.decimals, nil
	}
	data, err := tokenABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	var out []byte
	err = c.do(ctx, "tokenDecimals", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		out, err = ec.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
		return err
	})
	if err != nil {
		return 0, err
	}
	res, err := tokenABI.Unpack("decimals", out)
	if err != nil {
		return 0, fmt.Errorf("decode decimals: %w", err)
	}
	c.decimals = res[0].(uint8)
	c.decLoaded = true
	return c.decimals, nil
}

// TransferToken signs and broadcasts a token transfer from the key's address.
// The broadcast is attempted once; transport failures rotate the endpoint and
// surface as retriable errors for the queue to redeliver.
func (c *Client) TransferToken(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount, gasPrice *big.Int, gasLimit uint64) (common.Hash, error) {
	ec, err := c.conn(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	nonce, err := ec.PendingNonceAt(opCtx, from)
	if err != nil {
		c.rotate(ec)
		return common.Hash{}, gateway.Retriable(fmt.Errorf("nonce for %s: %w", from.Hex(), err))
	}
	data, err := tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, err
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.token,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return common.Hash{}, err
	}
	if err := ec.SendTransaction(opCtx, signed); err != nil {
		if shouldFailover(err) {
			c.rotate(ec)
			err = gateway.Retriable(err)
		}
		return common.Hash{}, fmt.Errorf("broadcast from %s: %w", from.Hex(), err)
	}
	broadcastMeter.Mark(1)
	c.log.Info("Broadcast token transfer", "from", from, "to", to, "amount", amount, "hash", signed.Hash())
	return signed.Hash(), nil
}

// FilterTransfers returns decoded token transfers to the given recipients in
// the inclusive block range. Used by the pull poller while the push stream
// is down.
func (c *Client) FilterTransfers(ctx context.Context, fromBlock, toBlock uint64, recipients []common.Address) ([]TransferEvent, error) {
	var topics [][]common.Hash
	if len(recipients) > 0 {
		to := make([]common.Hash, len(recipients))
		for i, r := range recipients {
			to[i] = common.BytesToHash(r.Bytes())
		}
		topics = [][]common.Hash{{TransferTopic}, nil, to}
	} else {
		topics = [][]common.Hash{{TransferTopic}}
	}
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.token},
		Topics:    topics,
	}
	var logs []types.Log
	err := c.do(ctx, "filterTransfers", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		logs, err = ec.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	events := make([]TransferEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := ParseTransfer(l)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// SubscribeCapability delivers push-transport health changes to ch until the
// returned subscription is closed.
func (c *Client) SubscribeCapability(ch chan<- Capability) event.Subscription {
	return c.capFeed.Subscribe(ch)
}

// Close tears down the request/response connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ec != nil {
		c.ec.Close()
		c.ec = nil
	}
}
