// Package manager drives the relay pipeline: the per-sender queue processor
// that submits transactions to the network in nonce order, the confirmation
// and token-transfer reconciliation, and the periodic housekeeping sweeps.
package manager

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/toshiapp/ethservice/log"
	"github.com/toshiapp/ethservice/storage"
	"github.com/toshiapp/ethservice/types"
)

// Chain is the node facade used by the pipeline.
type Chain interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gtypes.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*gtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gtypes.Receipt, error)
	TokenBalanceOf(ctx context.Context, contract, holder common.Address) (*big.Int, error)
}

// Notifier receives status changes for fan-out. The previous status lets the
// notifier apply its coalescing rules.
type Notifier interface {
	TransactionUpdated(tx *types.Transaction, previous types.Status)
	TokenTransferUpdated(tt *types.TokenTransfer)
}

// GasPricer supplies oracle gas prices.
type GasPricer interface {
	GasPrices(ctx context.Context) (safeLow, standard *big.Int, err error)
}

const (
	// sanityInterval paces the housekeeping sweeps.
	sanityInterval = 60 * time.Second
	// staleAge is how long a transaction may sit in a non-terminal state
	// before the sanity sweep probes it.
	staleAge = 3 * time.Minute
	// gasFloorRetryDelay is how long a queue blocked on the gas-price floor
	// waits before another pass.
	gasFloorRetryDelay = 60 * time.Second
)

// Manager owns the queue processors and the housekeeper.
type Manager struct {
	store    *storage.Storage
	chain    Chain
	notifier Notifier
	oracle   GasPricer

	// retryDelay and staleAge default to the package constants, shortened
	// by tests
	retryDelay time.Duration
	staleAge   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager. The notifier and oracle may be nil, in which case
// status changes are not fanned out and the gas floor is never refreshed.
func New(store *storage.Storage, chain Chain, notifier Notifier, oracle GasPricer) *Manager {
	return &Manager{
		store:      store,
		chain:      chain,
		notifier:   notifier,
		oracle:     oracle,
		retryDelay: gasFloorRetryDelay,
		staleAge:   staleAge,
	}
}

// Start launches the housekeeping loop. Queue processor passes are started
// on demand by Trigger.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.housekeepingLoop(m.ctx)
	}()
	log.Infow("transaction manager started")
}

// Stop cancels the housekeeping loop and waits for in-flight passes.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Trigger schedules a queue processor pass for the address. Safe to call
// from request handlers; the pass runs in its own goroutine.
func (m *Manager) Trigger(addr common.Address) {
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.ProcessQueue(ctx, addr); err != nil {
			log.Warnw("queue processor pass failed",
				"sender", types.AddressHex(addr), "error", err.Error())
		}
	}()
}

func (m *Manager) notifyTransaction(tx *types.Transaction, previous types.Status) {
	if m.notifier != nil {
		m.notifier.TransactionUpdated(tx, previous)
	}
}

func (m *Manager) notifyTokenTransfer(tt *types.TokenTransfer) {
	if m.notifier != nil {
		m.notifier.TokenTransferUpdated(tt)
	}
}
