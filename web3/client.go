// Package web3 wraps the go-ethereum client with per-call timeouts and
// bounded retries against a single JSON-RPC endpoint.
package web3

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/toshiapp/ethservice/log"
)

const (
	// defaultRetries is the number of times to retry a transient RPC failure
	defaultRetries = 2
	// defaultRetrySleep is the time to wait between retries
	defaultRetrySleep = 200 * time.Millisecond
)

var (
	defaultTimeout = 3 * time.Second
	blockTimeout   = 10 * time.Second
	logsTimeout    = 5 * time.Second
)

// permanentErrorPatterns are node rejections that retrying cannot fix. The
// raw message is surfaced unchanged so callers can classify it.
var permanentErrorPatterns = []string{
	"execution reverted",
	"nonce too low",
	"known transaction",
	"already known",
	"already imported",
	"replacement transaction underpriced",
	"insufficient funds",
	"intrinsic gas too low",
	"invalid sender",
}

// IsPermanentError reports whether the error is a node rejection that will
// not succeed on retry.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range permanentErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// Client wraps an ethclient.Client for a single endpoint. All calls carry a
// per-call timeout and transient failures are retried a bounded number of
// times before the error is surfaced.
type Client struct {
	client  *ethclient.Client
	uri     string
	chainID *big.Int
}

// Dial connects to the endpoint and resolves its chain ID.
func Dial(ctx context.Context, uri string) (*Client, error) {
	client, err := ethclient.DialContext(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", uri, err)
	}
	internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	chainID, err := client.ChainID(internalCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id from %s: %w", uri, err)
	}
	log.Infow("connected to ethereum node", "uri", uri, "chainID", chainID.String())
	return &Client{client: client, uri: uri, chainID: chainID}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.client.Close()
}

// ChainID returns the chain ID resolved at dial time.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// EthClient exposes the underlying ethclient.Client.
func (c *Client) EthClient() *ethclient.Client {
	return c.client
}

// retry runs fn, retrying transient failures. Permanent node rejections are
// returned on the first attempt so the caller sees the exact message.
func (c *Client) retry(fn func() (any, error)) (any, error) {
	var res any
	var err error
	for attempt := range defaultRetries {
		res, err = fn()
		if err == nil {
			return res, nil
		}
		if IsPermanentError(err) {
			return nil, err
		}
		if attempt < defaultRetries-1 {
			time.Sleep(defaultRetrySleep)
		}
	}
	log.Warnw("RPC call failed after retries", "uri", c.uri, "retries", defaultRetries, "error", err.Error())
	return nil, err
}

// BalanceAt returns the balance of an account. A nil blockNumber means the
// latest block.
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	res, err := c.retry(func() (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return c.client.BalanceAt(internalCtx, account, blockNumber)
	})
	if err != nil {
		return nil, err
	}
	return res.(*big.Int), nil
}

// NonceAt returns the confirmed nonce of an account at the latest block.
func (c *Client) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	res, err := c.retry(func() (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return c.client.NonceAt(internalCtx, account, nil)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

// PendingNonceAt returns the nonce of an account including pending
// transactions known to the node.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	res, err := c.retry(func() (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return c.client.PendingNonceAt(internalCtx, account)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

// BlockNumber returns the number of the latest block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	res, err := c.retry(func() (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return c.client.BlockNumber(internalCtx)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

// BlockByNumber returns a full block including its transactions.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*gethtypes.Block, error) {
	res, err := c.retry(func() (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, blockTimeout)
		defer cancel()
		return c.client.BlockByNumber(internalCtx, new(big.Int).SetUint64(number))
	})
	if err != nil {
		return nil, err
	}
	return res.(*gethtypes.Block), nil
}

// HeaderByNumber returns a block header. A nil number means the latest block.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	res, err := c.retry(func() (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return c.client.HeaderByNumber(internalCtx, number)
	})
	if err != nil {
		return nil, err
	}
	return res.(*gethtypes.Header), nil
}

// TransactionByHash looks up a transaction on the node.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	type txResult struct {
		tx        *gethtypes.Transaction
		isPending bool
	}
	res, err := c.retry(func() (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		tx, isPending, err := c.client.TransactionByHash(internalCtx, hash)
		if err != nil {
			return nil, err
		}
		return txResult{tx, isPending}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := res.(txResult)
	return r.tx, r.isPending, nil
}

// FilterLogs runs a log filter query against the node.
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]gethtypes.Log, error) {
	res, err := c.retry(func() (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, logsTimeout)
		defer cancel()
		return c.client.FilterLogs(internalCtx, query)
	})
	if err != nil {
		return nil, err
	}
	return res.([]gethtypes.Log), nil
}

// TransactionReceipt returns the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	res, err := c.retry(func() (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return c.client.TransactionReceipt(internalCtx, hash)
	})
	if err != nil {
		return nil, err
	}
	return res.(*gethtypes.Receipt), nil
}

// SendTransaction broadcasts a signed transaction. Node rejections come back
// verbatim so the caller can classify the message.
func (c *Client) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	_, err := c.retry(func() (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return nil, c.client.SendTransaction(internalCtx, tx)
	})
	return err
}

// CallContract executes a read-only contract call at the latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	res, err := c.retry(func() (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return c.client.CallContract(internalCtx, msg, nil)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// EstimateGas asks the node for a gas estimate of the given call.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	res, err := c.retry(func() (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return c.client.EstimateGas(internalCtx, msg)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

// SuggestGasPrice asks the node for a gas price, used as fallback when no
// oracle reading is available.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	res, err := c.retry(func() (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return c.client.SuggestGasPrice(internalCtx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*big.Int), nil
}
