package storage

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/toshiapp/ethservice/types"
)

var (
	lastBlockKey = []byte("head")

	safeLowGasKey  = []byte("safelow")
	standardGasKey = []byte("standard")
)

// blockMark records the last fully-ingested block. The hash is kept to
// detect a shallow reorg on the next monitor tick.
type blockMark struct {
	Number uint64      `cbor:"1,keyasint"`
	Hash   common.Hash `cbor:"2,keyasint"`
}

// LastBlock returns the number and hash of the last fully-ingested block.
// Returns ErrNotFound before the first block is processed.
func (s *Storage) LastBlock() (uint64, common.Hash, error) {
	mark := &blockMark{}
	if err := s.getArtifact(lastBlockPrefix, lastBlockKey, mark); err != nil {
		return 0, common.Hash{}, err
	}
	return mark.Number, mark.Hash, nil
}

// SetLastBlock advances the last-ingested block mark. Written only after
// every transaction of the block has been applied.
func (s *Storage) SetLastBlock(number uint64, hash common.Hash) error {
	return s.setArtifact(lastBlockPrefix, lastBlockKey, &blockMark{Number: number, Hash: hash})
}

// SetGasPrices stores the oracle's safe-low and standard gas prices in wei.
func (s *Storage) SetGasPrices(safeLow, standard *big.Int) error {
	if err := s.setArtifact(gasPricePrefix, safeLowGasKey, types.FromBig(safeLow)); err != nil {
		return err
	}
	return s.setArtifact(gasPricePrefix, standardGasKey, types.FromBig(standard))
}

// SafeLowGasPrice returns the oracle's safe-low gas price in wei, or nil
// when no oracle reading has been stored yet.
func (s *Storage) SafeLowGasPrice() (*big.Int, error) {
	v := &types.BigInt{}
	if err := s.getArtifact(gasPricePrefix, safeLowGasKey, v); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return v.MathBigInt(), nil
}

// StandardGasPrice returns the oracle's standard gas price in wei, or nil
// when no oracle reading has been stored yet.
func (s *Storage) StandardGasPrice() (*big.Int, error) {
	v := &types.BigInt{}
	if err := s.getArtifact(gasPricePrefix, standardGasKey, v); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return v.MathBigInt(), nil
}

// NonceHint returns the highest nonce the service has handed out for the
// address, plus one. ok is false when no hint is stored.
func (s *Storage) NonceHint(addr common.Address) (uint64, bool, error) {
	var hint uint64
	if err := s.getArtifact(nonceHintPrefix, addr.Bytes(), &hint); err != nil {
		if err == ErrNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	return hint, true, nil
}

// SetNonceHint records the next nonce to hand out for the address. Only
// moves forward.
func (s *Storage) SetNonceHint(addr common.Address, next uint64) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	current, ok, err := s.NonceHint(addr)
	if err != nil {
		return err
	}
	if ok && current >= next {
		return nil
	}
	return s.setArtifact(nonceHintPrefix, addr.Bytes(), next)
}
