/*
Package storage provides the persistent state of the gateway over a single
key-value database with prefixed namespaces.

# Storage organization

## Durable state

  - tx/  : txHash → Transaction row
  - txfn/: fromAddress + nonce + txHash → nil (sender/nonce index)
  - txto/: toAddress + txHash → nil (recipient index)
  - tt/  : txHash + logIndex → TokenTransfer
  - tb/  : contractAddress + ethAddress → TokenBalance
  - tok/ : contractAddress → Token metadata
  - sub/ : ethAddress + service + registrationID → Subscription
  - subt/: tokenID + ethAddress + service + registrationID → nil
  - lb/  : last fully-ingested block number and its hash

## Coordination hints

Everything below is reconstructible from the durable state or the chain;
replicas coordinate through these keys only.

  - pr/ : senderAddress → reservation (queue processor lock, TTL 120s)
  - prr/: senderAddress → rerun flag
  - sl/ : senderAddress + nonce → reservation (submission lock, TTL 5s)
  - gp/ : "safelow" | "standard" → gas price in wei
  - nh/ : senderAddress → next-nonce hint
*/
package storage

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/toshiapp/ethservice/db"
	"github.com/toshiapp/ethservice/db/prefixeddb"
	"github.com/toshiapp/ethservice/log"
)

var (
	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrNotFound         = errors.New("not found")

	// Prefixes
	txPrefix            = []byte("tx/")
	txSenderNoncePrefix = []byte("txfn/")
	txRecipientPrefix   = []byte("txto/")
	tokenTransferPrefix = []byte("tt/")
	tokenBalancePrefix  = []byte("tb/")
	tokenPrefix         = []byte("tok/")
	subscriptionPrefix  = []byte("sub/")
	subTokenIndexPrefix = []byte("subt/")
	lastBlockPrefix     = []byte("lb/")

	processingPrefix = []byte("pr/")
	rerunPrefix      = []byte("prr/")
	submissionPrefix = []byte("sl/")
	gasPricePrefix   = []byte("gp/")
	nonceHintPrefix  = []byte("nh/")
)

const (
	// ProcessingLockTTL bounds how long a dead worker can hold a sender
	// queue before another instance takes over.
	ProcessingLockTTL = 120 * time.Second
	// SubmissionLockTTL bounds the intake critical section.
	SubmissionLockTTL = 5 * time.Second

	tokenCacheSize = 512
)

// reservationRecord stores metadata about a reservation.
type reservationRecord struct {
	Timestamp int64
}

// Storage manages the durable entities and the coordination hints of the
// gateway.
type Storage struct {
	db         db.Database
	globalLock sync.Mutex
	tokenCache *lru.Cache[string, any]
}

// New creates a new Storage instance and sweeps stale coordination locks
// left behind by a previous crash.
func New(d db.Database) *Storage {
	cache, err := lru.New[string, any](tokenCacheSize)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	s := &Storage{
		db:         d,
		tokenCache: cache,
	}
	if err := s.ReleaseStaleLocks(); err != nil {
		log.Errorw(err, "failed to release stale locks on startup")
	}
	return s
}

// Close closes the storage.
func (s *Storage) Close() {
	if err := s.db.Close(); err != nil {
		log.Errorw(err, "failed to close storage")
	}
}

// setArtifact stores an encoded artifact under prefix+key.
func (s *Storage) setArtifact(prefix, key []byte, artifact any) error {
	data, err := EncodeArtifact(artifact)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedDatabase(s.db, prefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(key, data); err != nil {
		return err
	}
	return wTx.Commit()
}

// getArtifact retrieves an artifact from prefix+key into out. Returns
// ErrNotFound when the key does not exist.
func (s *Storage) getArtifact(prefix, key []byte, out any) error {
	data, err := prefixeddb.NewPrefixedReader(s.db, prefix).Get(key)
	if err != nil {
		return ErrNotFound
	}
	return DecodeArtifact(data, out)
}

// deleteArtifact removes prefix+key. Missing keys are not an error.
func (s *Storage) deleteArtifact(prefix, key []byte) error {
	wTx := prefixeddb.NewPrefixedDatabase(s.db, prefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Delete(key); err != nil {
		return err
	}
	return wTx.Commit()
}
