// Package gateway implements transaction intake: skeleton construction,
// validation and admission of signed transactions into the relay pipeline.
package gateway

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/toshiapp/ethservice/storage"
	"github.com/toshiapp/ethservice/types"
)

// Chain is the node facade used by intake.
type Chain interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gtypes.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*gtypes.Transaction, bool, error)
}

// QueueTrigger requests a queue processor pass for an address.
type QueueTrigger interface {
	Trigger(addr common.Address)
}

// defaultGasPrice is the fallback when neither the oracle cache nor the node
// supplies a price: 20 Gwei.
var defaultGasPrice = big.NewInt(20_000_000_000)

const defaultGas = 21000

// Service implements the intake operations. All node access goes through the
// Chain facade; all state through the storage layer.
type Service struct {
	store   *storage.Storage
	chain   Chain
	chainID *big.Int
	signer  gtypes.Signer
	queue   QueueTrigger
	notify  func(tx *types.Transaction)
}

// New creates an intake service. The queue trigger may be nil until the
// manager is wired in; notifyFn is invoked asynchronously for early
// recipient notification and may be nil.
func New(store *storage.Storage, chain Chain, chainID *big.Int) *Service {
	return &Service{
		store:   store,
		chain:   chain,
		chainID: chainID,
		signer:  gtypes.LatestSignerForChainID(chainID),
	}
}

// SetQueueTrigger wires the queue processor. Called once during startup.
func (s *Service) SetQueueTrigger(q QueueTrigger) {
	s.queue = q
}

// SetNotifyFunc wires the early-notification hook, invoked asynchronously
// with each admitted row so the recipient hears about the incoming payment
// before the monitor confirms it. Called once during startup.
func (s *Service) SetNotifyFunc(fn func(tx *types.Transaction)) {
	s.notify = fn
}

// ChainID returns the network the service relays to.
func (s *Service) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// Store exposes the storage layer to the API surface.
func (s *Service) Store() *storage.Storage {
	return s.store
}

func (s *Service) triggerQueue(addr common.Address) {
	if s.queue != nil {
		s.queue.Trigger(addr)
	}
}

func (s *Service) notifyAdmitted(tx *types.Transaction) {
	if s.notify != nil {
		go s.notify(tx)
	}
}
