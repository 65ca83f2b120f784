// Package monitor follows the chain head and reconciles each new block
// against the local transaction records: confirming tracked transactions,
// detecting overwrites, ingesting external transactions that touch subscribed
// addresses and extracting token transfer events.
package monitor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/toshiapp/ethservice/log"
	"github.com/toshiapp/ethservice/storage"
	"github.com/toshiapp/ethservice/types"
)

const (
	// pollInterval paces head polling.
	pollInterval = 5 * time.Second
	// maxBlocksPerTick bounds how far a single tick may advance, so that a
	// service catching up after downtime does not hold the head for minutes.
	maxBlocksPerTick = 16
)

// Chain is the node facade used by the monitor.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*gtypes.Block, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]gtypes.Log, error)
}

// Tracker applies status changes and balance refreshes on behalf of the
// monitor. Implemented by the transaction manager.
type Tracker interface {
	UpdateTransaction(ctx context.Context, hash common.Hash, status types.Status, blockNumber *uint64) error
	RefreshTokenBalances(ctx context.Context, contract common.Address, holders ...common.Address)
}

// Notifier receives token transfer settlements discovered in blocks.
type Notifier interface {
	TokenTransferUpdated(tt *types.TokenTransfer)
}

// Service is the block monitor.
type Service struct {
	store    *storage.Storage
	chain    Chain
	tracker  Tracker
	notifier Notifier
	signer   gtypes.Signer

	// interval and batchSize default to the package constants, shortened
	// by tests
	interval  time.Duration
	batchSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. The notifier may be nil.
func New(store *storage.Storage, chain Chain, tracker Tracker, notifier Notifier, chainID *big.Int) *Service {
	return &Service{
		store:     store,
		chain:     chain,
		tracker:   tracker,
		notifier:  notifier,
		signer:    gtypes.LatestSignerForChainID(chainID),
		interval:  pollInterval,
		batchSize: maxBlocksPerTick,
	}
}

// Start launches the polling loop.
func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if err := s.poll(s.ctx); err != nil {
					log.Warnw("block monitor tick failed", "error", err.Error())
				}
			}
		}
	}()
	log.Infow("block monitor started")
}

// Stop cancels the polling loop and waits for the in-flight tick.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// poll walks the window (lastBlock, head], bounded by the batch cap. The last
// block mark only advances after a block's side effects have all been
// applied, so a failed tick re-processes from the same point.
func (s *Service) poll(ctx context.Context) error {
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("head number: %w", err)
	}

	last, lastHash, err := s.store.LastBlock()
	if err == storage.ErrNotFound {
		// first run: baseline at the current head, history is not replayed
		block, err := s.chain.BlockByNumber(ctx, head)
		if err != nil {
			return fmt.Errorf("baseline block %d: %w", head, err)
		}
		log.Infow("block monitor baseline", "block", head)
		return s.store.SetLastBlock(head, block.Hash())
	}
	if err != nil {
		return err
	}

	rewound := false
	for number := last + 1; number <= head; number++ {
		if number > last+uint64(s.batchSize) {
			break
		}
		block, logs, err := s.fetchBlock(ctx, number)
		if err != nil {
			return err
		}
		if block.ParentHash() != lastHash {
			// shallow reorg: the previously processed block was replaced.
			// Re-process its replacement; deeper reorgs are unsupported.
			if rewound || number < 2 {
				return fmt.Errorf("parent hash mismatch at block %d after rewind", number)
			}
			rewound = true
			log.Warnw("parent hash mismatch, re-reading replaced block",
				"block", number-1, "stored", lastHash.Hex())
			block, logs, err = s.fetchBlock(ctx, number-1)
			if err != nil {
				return err
			}
			number--
		}
		if err := s.processBlock(ctx, block, logs); err != nil {
			return fmt.Errorf("process block %d: %w", number, err)
		}
		lastHash = block.Hash()
		if err := s.store.SetLastBlock(number, lastHash); err != nil {
			return err
		}
	}
	return nil
}

// fetchBlock retrieves the full block body and its token event logs.
func (s *Service) fetchBlock(ctx context.Context, number uint64) (*gtypes.Block, []gtypes.Log, error) {
	var (
		block *gtypes.Block
		logs  []gtypes.Log
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		block, err = s.chain.BlockByNumber(gctx, number)
		if err != nil {
			return fmt.Errorf("block %d: %w", number, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		logs, err = s.chain.FilterLogs(gctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(number),
			ToBlock:   new(big.Int).SetUint64(number),
			Topics: [][]common.Hash{{
				types.TransferTopic,
				types.DepositTopic,
				types.WithdrawalTopic,
			}},
		})
		if err != nil {
			return fmt.Errorf("logs of block %d: %w", number, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return block, logs, nil
}
